package util

import (
	"crypto/rand"
	"encoding/hex"
	"hash/fnv"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// presenceColors is the palette presence cursors are drawn with. Color is
// stable per user so a collaborator keeps the same color across reconnects.
var presenceColors = []string{
	"#F44336", "#E91E63", "#9C27B0", "#3F51B5",
	"#2196F3", "#009688", "#4CAF50", "#FF9800",
}

func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return presenceColors[h.Sum32()%uint32(len(presenceColors))]
}
