package hub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// signFilePath computes the signature over a request path and expiry.
// The path is the full URL path (/agents/<id>/files/<rel>).
func signFilePath(secret, path string, exp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s\n%d", path, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyFileSig checks signature and expiry. The comparison is
// constant-time; expiry is a Unix timestamp checked before any file I/O.
func verifyFileSig(secret, path, sig, expStr string, now time.Time) bool {
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || now.Unix() > exp {
		return false
	}
	want := signFilePath(secret, path, exp)
	return hmac.Equal([]byte(want), []byte(sig))
}

// SignedFileURL builds a time-limited URL for one agent file.
func SignedFileURL(base, secret, agentID, relPath string, ttl time.Duration, now time.Time) string {
	path := "/agents/" + agentID + "/files/" + relPath
	exp := now.Add(ttl).Unix()
	return fmt.Sprintf("%s%s?sig=%s&exp=%d", base, path, signFilePath(secret, path, exp), exp)
}
