package reconciler

import (
	"path"
	"strings"
)

// analysisSuffixes are the file name endings the analysis stage writes
var analysisSuffixes = []string{"_structured.json", "_analysis.txt"}

// DeriveTranscriptKey maps analysis/{base}_structured.json or analysis/{base}_analysis.txt
// to transcripts/{base}_transcript.json. It relies on the analysis stage's naming and
// returns "" for an empty key.
func DeriveTranscriptKey(analysisKey string) string {
	if analysisKey == "" {
		return ""
	}

	base := path.Base(analysisKey)
	trimmed := false
	for _, suffix := range analysisSuffixes {
		if strings.HasSuffix(base, suffix) {
			base = strings.TrimSuffix(base, suffix)
			trimmed = true
			break
		}
	}
	if !trimmed {
		base = strings.TrimSuffix(base, path.Ext(base))
	}
	return "transcripts/" + base + "_transcript.json"
}
