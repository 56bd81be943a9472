package dbusproto

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestIsBusControl(t *testing.T) {
	cases := []struct {
		iface string
		want  bool
	}{
		{"", true},
		{BusInterface, true},
		{"com.example.Foo", false},
	}
	for _, c := range cases {
		msg := &dbus.Message{Headers: map[dbus.HeaderField]dbus.Variant{}}
		if c.iface != "" {
			msg.Headers[dbus.FieldInterface] = dbus.MakeVariant(c.iface)
		}
		if got := IsBusControl(msg); got != c.want {
			t.Errorf("IsBusControl(iface=%q) = %v, want %v", c.iface, got, c.want)
		}
	}
}

func TestIsLocalDisconnect(t *testing.T) {
	msg := &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldInterface: dbus.MakeVariant(LocalInterface),
			dbus.FieldMember:    dbus.MakeVariant(MemberDisconnected),
		},
	}
	if !IsLocalDisconnect(msg) {
		t.Fatal("expected local Disconnected signal to be recognized")
	}

	notSignal := &dbus.Message{
		Type: dbus.TypeMethodCall,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldInterface: dbus.MakeVariant(LocalInterface),
			dbus.FieldMember:    dbus.MakeVariant(MemberDisconnected),
		},
	}
	if IsLocalDisconnect(notSignal) {
		t.Fatal("a method call must not be mistaken for the local Disconnected signal")
	}
}

func TestReplySerialRoundtrip(t *testing.T) {
	msg := &dbus.Message{Headers: map[dbus.HeaderField]dbus.Variant{}}
	if _, ok := ReplySerial(msg); ok {
		t.Fatal("expected no reply-serial header on a fresh message")
	}
	SetReplySerial(msg, 7)
	got, ok := ReplySerial(msg)
	if !ok || got != 7 {
		t.Fatalf("expected (7, true), got (%d, %v)", got, ok)
	}
}
