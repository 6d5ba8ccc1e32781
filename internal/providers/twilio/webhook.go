package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// Sign computes the X-Twilio-Signature value for a callback: base64 HMAC-SHA1
// over the full callback URL followed by the sorted form keys and values.
func Sign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		// Twilio uses first value for each key in typical webhooks
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func VerifySignature(authToken, fullURL, provided string, form url.Values) bool {
	expected := Sign(authToken, fullURL, form)
	return hmac.Equal([]byte(expected), []byte(provided))
}
