package browser

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/kvmbroker/internal/automation"
)

func TestParseFlags(t *testing.T) {
	got, err := ParseFlags(`--lang=en-US --force-device-scale-factor=1 --user-agent="Mozilla/5.0 (X11)" --incognito`)
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	want := []Flag{
		{Name: "lang", Values: []string{"en-US"}},
		{Name: "force-device-scale-factor", Values: []string{"1"}},
		{Name: "user-agent", Values: []string{"Mozilla/5.0 (X11)"}},
		{Name: "incognito"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d flags, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Name != want[i].Name || strings.Join(got[i].Values, ",") != strings.Join(want[i].Values, ",") {
			t.Errorf("flag %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	for _, bad := range []string{"lang=en", "--", `--x="unterminated`} {
		if _, err := ParseFlags(bad); err == nil {
			t.Errorf("ParseFlags(%q) accepted", bad)
		}
	}
	if fl, err := ParseFlags(""); err != nil || len(fl) != 0 {
		t.Errorf("empty flags: %v, %v", fl, err)
	}
}

func TestParseWindowSize(t *testing.T) {
	w, h, err := ParseWindowSize("1920X1080")
	if err != nil || w != 1920 || h != 1080 {
		t.Errorf("ParseWindowSize = %d, %d, %v", w, h, err)
	}
	for _, bad := range []string{"1920", "x1080", "0x10", "ax b", ""} {
		if _, _, err := ParseWindowSize(bad); err == nil {
			t.Errorf("ParseWindowSize(%q) accepted", bad)
		}
	}
}

func TestCommand(t *testing.T) {
	l, err := NewLauncher(
		WithBin("/usr/bin/chromium"),
		WithWindowSize("1024x768"),
		WithExtraFlags("--lang=de-DE"),
	)
	if err != nil {
		t.Fatal(err)
	}

	lc := l.command(context.Background(), automation.LaunchOptions{Display: ":3"}, t.TempDir())
	if !lc.Has("kiosk") {
		t.Error("kiosk flag missing")
	}
	if got := lc.Get("window-size"); got != "1024,768" {
		t.Errorf("window-size = %q", got)
	}
	if got := lc.Get("lang"); got != "de-DE" {
		t.Errorf("lang = %q", got)
	}
	if lc.Has("ignore-certificate-errors") {
		t.Error("certificate errors ignored without opt-in")
	}

	insecure := l.command(context.Background(), automation.LaunchOptions{Display: ":3", IgnoreCertErrors: true}, t.TempDir())
	if !insecure.Has("ignore-certificate-errors") {
		t.Error("opt-in did not set ignore-certificate-errors")
	}
}

func TestNewLauncher_InvalidOptions(t *testing.T) {
	if _, err := NewLauncher(WithWindowSize("big")); err == nil {
		t.Error("invalid window size accepted")
	}
	if _, err := NewLauncher(WithExtraFlags("no-dashes")); err == nil {
		t.Error("invalid flag accepted")
	}
}

func TestDataURL(t *testing.T) {
	html := []byte("<h1>UNKNOWN_VENDOR</h1>")
	u := DataURL(html)
	const prefix = "data:text/html;charset=utf-8;base64,"
	if !strings.HasPrefix(u, prefix) {
		t.Fatalf("DataURL = %q", u)
	}
	dec, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(u, prefix))
	if err != nil || string(dec) != string(html) {
		t.Errorf("decoded %q, %v", dec, err)
	}
}
