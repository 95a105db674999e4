package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	f := newFixture(t, overviewReply())
	before := f.engine.Catalogue().Version()

	w, err := NewWatcher(f.engine, 50*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to install its watches.
	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(chapterOne, "单位名称", "企业名称", 1)
	require.NoError(t, os.WriteFile(filepath.Join(f.lib.TemplateRoot, "ch01.yaml"), []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return f.engine.Catalogue().Version() != before
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, w.Reloads(), int64(1))
}

func TestWatcher_InvalidEditKeepsLibrary(t *testing.T) {
	f := newFixture(t, overviewReply())
	before := f.engine.Catalogue().Version()

	w, err := NewWatcher(f.engine, 50*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(f.lib.RulesFile, []byte("sections: [not, a, map]"), 0o644))

	require.Eventually(t, func() bool {
		return w.Failures() >= 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, before, f.engine.Catalogue().Version())
}

func TestWatcher_Relevant(t *testing.T) {
	f := newFixture(t, overviewReply())
	w, err := NewWatcher(f.engine, time.Millisecond, nil)
	require.NoError(t, err)
	defer w.fsw.Close()

	assert.Equal(t, []string{f.lib.TemplateRoot}, w.dirs)

	root := filepath.Dir(f.lib.RulesFile)
	tests := []struct {
		path string
		want bool
	}{
		{filepath.Join(f.lib.TemplateRoot, "ch09.yaml"), true},
		{filepath.Join(f.lib.TemplateRoot, "sub", "ch10.yml"), true},
		{filepath.Join(f.lib.TemplateRoot, "notes.txt"), false},
		{f.lib.RulesFile, true},
		{f.lib.DocumentsFile, true},
		{filepath.Join(root, "other.yaml"), false},
	}
	for _, tt := range tests {
		got := w.relevant(fsnotify.Event{Name: tt.path, Op: fsnotify.Write})
		assert.Equal(t, tt.want, got, tt.path)
	}
}
