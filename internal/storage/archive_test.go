package storage

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	err  error
	gate chan struct{}
}

func (f *fakeUploader) Upload(key, contentType string, data []byte) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return f.err
}

func TestArchive_UploadsWithPrefixedKeys(t *testing.T) {
	up := &fakeUploader{}
	a := NewArchive(up, "/speech/", 4)
	k1 := a.Put("audio/mpeg", []byte{1})
	k2 := a.Put("audio/wav", []byte{2})
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.HasPrefix(k1, "speech/") || !strings.HasSuffix(k1, ".mp3") {
		t.Fatalf("key1=%q", k1)
	}
	if !strings.HasSuffix(k2, ".wav") {
		t.Fatalf("key2=%q", k2)
	}
	if len(up.keys) != 2 || up.keys[0] != k1 || up.keys[1] != k2 {
		t.Fatalf("uploaded=%v", up.keys)
	}
}

func TestArchive_DropsWhenFullOrClosed(t *testing.T) {
	up := &fakeUploader{gate: make(chan struct{})}
	a := NewArchive(up, "", 1)
	first := a.Put("audio/mpeg", []byte{1})
	// the worker may already hold the first clip; fill the queue until a drop
	dropped := false
	for i := 0; i < 3; i++ {
		if a.Put("audio/mpeg", []byte{2}) == "" {
			dropped = true
		}
	}
	if first == "" || !dropped {
		t.Fatalf("expected first accepted and a later drop (first=%q dropped=%v)", first, dropped)
	}
	close(up.gate)
	_ = a.Close()
	if a.Put("audio/mpeg", []byte{3}) != "" {
		t.Fatalf("put after close accepted")
	}
	if a.Put("audio/mpeg", nil) != "" {
		t.Fatalf("empty clip accepted")
	}
	_ = a.Close()
}

func TestArchive_UploadErrorsAreLogged(t *testing.T) {
	up := &fakeUploader{err: errors.New("bucket missing")}
	a := NewArchive(up, "x", 2)
	a.Put("audio/ogg", []byte{1})
	_ = a.Close()
	if len(up.keys) != 1 {
		t.Fatalf("expected one attempt, got %d", len(up.keys))
	}
}

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"audio/mpeg":                ".mp3",
		"audio/wav; codecs=1":       ".wav",
		"audio/ogg":                 ".ogg",
		"application/octet-stream":  ".bin",
		"":                          ".bin",
	}
	for in, want := range cases {
		if got := extensionFor(in); got != want {
			t.Fatalf("extensionFor(%q)=%s want %s", in, got, want)
		}
	}
}

func TestNewSupabase_RequiresConfig(t *testing.T) {
	if _, err := NewSupabase(Config{}); err == nil {
		t.Fatalf("expected config error")
	}
}
