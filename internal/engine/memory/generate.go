package memory

import (
	"fmt"
	"math/rand"
	"time"
)

var (
	sampleLevels   = []string{"INFO", "WARN", "ERROR", "DEBUG"}
	sampleMessages = []string{
		"user signed in",
		"authentication failed",
		"database connection established",
		"failed to load user data",
		"JWT token expired",
		"configuration updated",
		"unauthorised access attempt",
		"module load completed",
		"file not found",
		"invalid request parameters",
	}
)

// Generate returns n synthetic application log entries starting at start,
// one to three seconds apart.
func Generate(n int, start time.Time, rnd *rand.Rand) []Document {
	docs := make([]Document, n)
	ts := start.UTC()
	for i := range docs {
		ts = ts.Add(time.Duration(1+rnd.Intn(3)) * time.Second)
		docs[i] = Document{
			ID:        fmt.Sprintf("gen-%08d", i),
			Timestamp: ts,
			Level:     sampleLevels[rnd.Intn(len(sampleLevels))],
			Fields: map[string]any{
				"msg":     sampleMessages[rnd.Intn(len(sampleMessages))],
				"service": "sample-app",
			},
		}
	}
	return docs
}
