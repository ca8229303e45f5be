package provider

import "testing"

func TestErrorText(t *testing.T) {
	if got := (&Error{Code: 31005}).Error(); got != "provider error 31005" {
		t.Errorf("got %q", got)
	}
	if got := (&Error{Code: 31005, Message: "Connection error (31005)"}).Error(); got != "Connection error (31005)" {
		t.Errorf("got %q", got)
	}
}

func TestIsConnectionEvent(t *testing.T) {
	for _, ev := range []EventType{EventRinging, EventAccept, EventDisconnect, EventCancel, EventCallError, EventIncoming} {
		if !ev.IsConnectionEvent() {
			t.Errorf("%s should be a connection event", ev)
		}
	}
	for _, ev := range []EventType{EventRegistered, EventDeviceError, EventTokenWillExpire} {
		if ev.IsConnectionEvent() {
			t.Errorf("%s should be a device event", ev)
		}
	}
}
