package domain

import "testing"

func TestOutcome_Success(t *testing.T) {
	o := Success([]byte(`{"ok":true}`))
	if !o.IsSuccess() || o.IsTransient() || o.IsPermanent() {
		t.Fatalf("expected only IsSuccess true")
	}
	if string(o.Data()) != `{"ok":true}` {
		t.Fatalf("unexpected data: %s", o.Data())
	}
	if o.AsErrorInfo() != nil {
		t.Fatalf("a successful outcome has no error info")
	}
}

func TestOutcome_Transient(t *testing.T) {
	o := Transient("BACKEND_TIMEOUT", "upstream timed out")
	if !o.IsTransient() || o.IsSuccess() || o.IsPermanent() {
		t.Fatalf("expected only IsTransient true")
	}
	info := o.AsErrorInfo()
	if info == nil || info.Kind != ErrorKindTransient || info.Code != "BACKEND_TIMEOUT" {
		t.Fatalf("unexpected error info: %+v", info)
	}
}

func TestOutcome_Permanent(t *testing.T) {
	o := Permanent("BAD_REQUEST", "missing field")
	if !o.IsPermanent() || o.IsSuccess() || o.IsTransient() {
		t.Fatalf("expected only IsPermanent true")
	}
	info := o.AsErrorInfo()
	if info == nil || info.Kind != ErrorKindPermanent || info.Code != "BAD_REQUEST" {
		t.Fatalf("unexpected error info: %+v", info)
	}
}
