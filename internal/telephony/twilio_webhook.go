package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"campaign-dialer/internal/calls"
)

// TwilioStatusForm captures the subset of status callback fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
type TwilioStatusForm struct {
	CallSid      string
	AccountSid   string
	From         string
	To           string
	CallStatus   string
	CallDuration string
	AnsweredBy   string
}

var ErrInvalidSignature = errors.New("telephony: invalid twilio signature")

func ParseTwilioStatusCallback(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	f := TwilioStatusForm{
		CallSid:      strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:   r.PostFormValue("AccountSid"),
		From:         strings.TrimSpace(r.PostFormValue("From")),
		To:           strings.TrimSpace(r.PostFormValue("To")),
		CallStatus:   r.PostFormValue("CallStatus"),
		CallDuration: r.PostFormValue("CallDuration"),
		AnsweredBy:   r.PostFormValue("AnsweredBy"),
	}
	if f.CallSid == "" {
		return TwilioStatusForm{}, errors.New("telephony: CallSid is required")
	}
	return f, nil
}

// ToStatusUpdate converts the form. A completed call answered by a machine
// is voicemail.
func (f TwilioStatusForm) ToStatusUpdate() (StatusUpdate, error) {
	st, err := NormalizeStatus(f.CallStatus)
	if err != nil {
		return StatusUpdate{}, err
	}
	if st == calls.StatusCompleted && strings.HasPrefix(f.AnsweredBy, "machine") {
		st = calls.StatusVoicemail
	}
	dur, _ := strconv.Atoi(f.CallDuration)
	return StatusUpdate{Provider: "twilio", ProviderCallID: f.CallSid, Status: st, DurationSeconds: dur}, nil
}

// ValidateTwilioSignature checks X-Twilio-Signature: base64(HMAC-SHA1(authToken,
// fullURL + sorted key/value pairs of the POST form)).
func ValidateTwilioSignature(authToken, fullURL string, form url.Values, signature string) error {
	if authToken == "" {
		return nil
	}
	if signature == "" {
		return ErrInvalidSignature
	}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
