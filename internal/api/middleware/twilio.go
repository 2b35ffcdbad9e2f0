package middleware

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/twilio/twilio-go/client"
)

// TwilioSignatureHeader carries the provider's request signature.
const TwilioSignatureHeader = "X-Twilio-Signature"

// ValidateTwilio returns middleware that rejects webhook requests whose
// X-Twilio-Signature does not match. The signed URL is baseURL joined with
// the request URI, since the provider signs the public address it called
// and the server usually sits behind a proxy. An empty authToken disables
// validation. onReject may be nil.
func ValidateTwilio(authToken, baseURL string, onReject func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if authToken == "" {
			return next
		}
		validator := client.NewRequestValidator(authToken)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				reject(w, r, onReject, "unreadable form")
				return
			}

			sig := r.Header.Get(TwilioSignatureHeader)
			if sig == "" {
				reject(w, r, onReject, "missing signature")
				return
			}
			if !validator.Validate(baseURL+r.URL.RequestURI(), formParams(r.PostForm), sig) {
				reject(w, r, onReject, "signature mismatch")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// formParams flattens a webhook form. Provider fields are single valued.
func formParams(form url.Values) map[string]string {
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

func reject(w http.ResponseWriter, r *http.Request, onReject func(), reason string) {
	slog.Warn("webhook rejected",
		"reason", reason,
		"path", r.URL.Path,
		"ip", extractIP(r),
	)
	if onReject != nil {
		onReject()
	}
	writeJSONError(w, http.StatusForbidden, "invalid signature")
}
