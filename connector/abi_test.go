package connector

import (
	"log/slog"
	"testing"
)

func TestParseArgsRoundTrip(t *testing.T) {
	a := ParseArgs("device=/dev/mem,offset=0x1000")
	if a["device"] != "/dev/mem" || a["offset"] != "0x1000" {
		t.Fatalf("unexpected parse result: %+v", a)
	}
}

func TestParseArgsBareKey(t *testing.T) {
	a := ParseArgs("readonly,device=mem0")
	if _, ok := a["readonly"]; !ok {
		t.Fatalf("expected bare key readonly to be present, got %+v", a)
	}
	if a["device"] != "mem0" {
		t.Fatalf("unexpected device value: %+v", a)
	}
}

func TestParseArgsEmpty(t *testing.T) {
	a := ParseArgs("")
	if len(a) != 0 {
		t.Fatalf("expected empty args, got %+v", a)
	}
}

func TestLogLevelMapping(t *testing.T) {
	cases := map[int32]slog.Level{
		1: slog.LevelError,
		2: slog.LevelWarn,
		3: slog.LevelInfo,
		4: slog.LevelDebug,
	}
	for wire, want := range cases {
		if got := LogLevel(wire); got != want {
			t.Fatalf("LogLevel(%d) = %v, want %v", wire, got, want)
		}
	}
	// 5 and any unrecognized value map to the most verbose level.
	if LogLevel(5) != LogLevel(99) {
		t.Fatalf("expected unrecognized wire level to map to Trace same as 5")
	}
}

func TestWireLogLevelInverse(t *testing.T) {
	for wire := int32(1); wire <= 5; wire++ {
		back := wireLogLevel(LogLevel(wire))
		if back != wire {
			t.Fatalf("wireLogLevel(LogLevel(%d)) = %d, want %d", wire, back, wire)
		}
	}
}
