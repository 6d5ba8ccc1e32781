package correlate

import (
	"net/url"
	"strings"

	"dialer/internal/domain"
)

// The provider reports the same logical call state under several field names
// depending on which callback fired, and reports "completed" even for calls
// that never bridged. NormalizeStatus collects every status signal in the
// payload and keeps the highest-ranked one, so an explicit busy/no-answer/
// failed always wins over a generic completed and the outcome does not depend
// on delivery order.
func NormalizeStatus(form url.Values) (domain.CallStatus, bool) {
	var best domain.CallStatus
	consider := func(s domain.CallStatus, ok bool) {
		if ok && domain.CallStatusRank(s) > domain.CallStatusRank(best) {
			best = s
		}
	}

	consider(mapStatusToken(formValue(form, "DialCallStatus")))
	consider(mapStatusToken(formValue(form, "CallStatus", "status")))
	consider(mapStatusToken(formValue(form, "event")))

	if ab := strings.ToLower(formValue(form, "AnsweredBy")); strings.HasPrefix(ab, "machine") || ab == "fax" {
		consider(domain.CallNoAnswer, true)
	}

	if best == "" {
		return "", false
	}
	return best, true
}

func mapStatusToken(raw string) (domain.CallStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "initiated":
		return domain.CallInitiated, true
	case "ringing", "ring":
		return domain.CallRinging, true
	case "in-progress", "in_progress", "answered":
		return domain.CallInProgress, true
	case "completed", "complete":
		return domain.CallCompleted, true
	case "busy":
		return domain.CallBusy, true
	case "no-answer", "no_answer", "noanswer":
		return domain.CallNoAnswer, true
	case "failed", "call_failed", "canceled", "cancelled":
		return domain.CallFailed, true
	default:
		return "", false
	}
}

// ExtractCallSID normalizes the join key: status callbacks use CallSid, flow
// engine callbacks use ExecutionSid or execution_sid for the same id.
func ExtractCallSID(form url.Values) string {
	return formValue(form, "CallSid", "call_sid", "ExecutionSid", "execution_sid")
}

func formValue(form url.Values, keys ...string) string {
	for _, k := range keys {
		if v := form.Get(k); v != "" {
			return v
		}
	}
	return ""
}
