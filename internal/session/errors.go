package session

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/sweeney/dialmate/internal/provider"
)

var (
	ErrBusy           = errors.New("session: a call or device operation is in progress")
	ErrDeviceNotReady = errors.New("session: device not ready")
	ErrInvalidNumber  = errors.New("session: number is not dialable")
	ErrInputRejected  = errors.New("session: input rejected")
	ErrNoActiveCall   = errors.New("session: no active call")
	ErrStopped        = errors.New("session: machine stopped")
)

// ProviderCode maps vendor error codes to user-facing text.
var ProviderCode = map[int]string{
	20101: "Twilio: Invalid access token. Sign in again.",
	20104: "Twilio: Access token expired. Sign in again.",
	31000: "Twilio: General call error. Try again.",
	31003: "Twilio: Connection timed out. Check your network.",
	31005: "Twilio: Call could not be completed. Check your TwiML App Voice URL and number format.",
	31201: "Twilio: Authorization failed. Sign in again.",
	31208: "Twilio: Microphone access was blocked.",
	31404: "Twilio: Number not found or not allowed. Use E.164 format and verify number in Twilio.",
	31480: "Twilio: The person you are calling is temporarily unavailable.",
	31486: "Twilio: The person you are calling is busy.",
}

var embeddedCode = regexp.MustCompile(`\b(\d{5})\b`)

// ErrorCode extracts a vendor code from err, looking first at a
// provider.Error's Code field and then for a five digit number in the text.
// It returns 0 when there is none.
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}
	var pe *provider.Error
	if errors.As(err, &pe) && pe != nil && pe.Code != 0 {
		return pe.Code
	}
	for _, m := range embeddedCode.FindAllStringSubmatch(err.Error(), -1) {
		if code, _ := strconv.Atoi(m[1]); ProviderCode[code] != "" {
			return code
		}
	}
	return 0
}

// Describe returns a user-facing message for a provider error. Known codes
// get friendlier text; anything else falls back to the original message,
// or to fallback when there is none.
func Describe(err error, fallback string) string {
	if text, ok := ProviderCode[ErrorCode(err)]; ok {
		return text
	}
	if err == nil {
		return fallback
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return fallback
}
