// Copyright 2025 AgentOS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Diff describes what changed between two organism configs (spec §6.4,
// §4.5 "reload(new_org) returns a diff event").
type Diff struct {
	ListenersAdded   []string
	ListenersRemoved []string
	ListenersChanged []string
	ProfilesAdded    []string
	ProfilesRemoved  []string
	ProfilesChanged  []string
}

// Empty reports whether the diff carries no changes at all.
func (d Diff) Empty() bool {
	return len(d.ListenersAdded) == 0 && len(d.ListenersRemoved) == 0 &&
		len(d.ListenersChanged) == 0 && len(d.ProfilesAdded) == 0 &&
		len(d.ProfilesRemoved) == 0 && len(d.ProfilesChanged) == 0
}

// Compare computes the Diff from old to new. Listener handler identity is
// preserved by name: a listener present in both with identical fields is
// untouched; any field difference counts as "changed" rather than a
// remove+add pair.
func Compare(old, new_ *Organism) Diff {
	var d Diff

	oldListeners := indexListeners(old)
	newListeners := indexListeners(new_)
	for name, l := range newListeners {
		if _, ok := oldListeners[name]; !ok {
			d.ListenersAdded = append(d.ListenersAdded, name)
		} else if !listenerEqual(oldListeners[name], l) {
			d.ListenersChanged = append(d.ListenersChanged, name)
		}
	}
	for name := range oldListeners {
		if _, ok := newListeners[name]; !ok {
			d.ListenersRemoved = append(d.ListenersRemoved, name)
		}
	}

	oldProfiles := indexProfiles(old)
	newProfiles := indexProfiles(new_)
	for name, p := range newProfiles {
		if _, ok := oldProfiles[name]; !ok {
			d.ProfilesAdded = append(d.ProfilesAdded, name)
		} else if !profileEqual(oldProfiles[name], p) {
			d.ProfilesChanged = append(d.ProfilesChanged, name)
		}
	}
	for name := range oldProfiles {
		if _, ok := newProfiles[name]; !ok {
			d.ProfilesRemoved = append(d.ProfilesRemoved, name)
		}
	}
	return d
}

func indexListeners(o *Organism) map[string]ListenerConfig {
	out := make(map[string]ListenerConfig, len(o.Listeners))
	for _, l := range o.Listeners {
		out[l.Name] = l
	}
	return out
}

func indexProfiles(o *Organism) map[string]ProfileConfig {
	out := make(map[string]ProfileConfig, len(o.Profiles))
	for _, p := range o.Profiles {
		out[p.Name] = p
	}
	return out
}

func listenerEqual(a, b ListenerConfig) bool {
	if a.PayloadClass != b.PayloadClass || a.Handler != b.Handler || a.IsAgent != b.IsAgent {
		return false
	}
	if !stringSliceEqual(a.Peers, b.Peers) || !intSliceEqual(a.Ports, b.Ports) {
		return false
	}
	if a.Description != b.Description || len(a.Permissions) != len(b.Permissions) {
		return false
	}
	for caller, p := range a.Permissions {
		if q, ok := b.Permissions[caller]; !ok || q != p {
			return false
		}
	}
	return a.SemanticDescription == b.SemanticDescription
}

func profileEqual(a, b ProfileConfig) bool {
	return a.OSUser == b.OSUser &&
		stringSliceEqual(a.AllowedListeners, b.AllowedListeners) &&
		a.JournalRetention.Duration == b.JournalRetention.Duration
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func intSliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Watcher watches an organism YAML file for changes and invokes onReload
// with the freshly parsed config and the diff against the previous one.
// It watches a single file with a debounce timer rather than a channel of
// per-file events, since the organism config is one document rather than a
// directory of sources.
type Watcher struct {
	path          string
	watcher       *fsnotify.Watcher
	debounceDelay time.Duration

	mu      sync.Mutex
	current *Organism

	onReload func(org *Organism, diff Diff)
	onError  func(err error)
	log      *slog.Logger

	cancel context.CancelFunc
}

// NewWatcher loads path once (failing fast on a bad initial config) and
// returns a Watcher ready to Start.
func NewWatcher(path string, onReload func(*Organism, Diff), onError func(error), log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	org, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:          path,
		watcher:       fw,
		debounceDelay: 200 * time.Millisecond,
		current:       org,
		onReload:      onReload,
		onError:       onError,
		log:           log,
	}, nil
}

// Current returns the most recently loaded organism config.
func (w *Watcher) Current() *Organism {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins watching the config file's parent directory (fsnotify
// watches directories reliably across editors that replace-then-rename
// rather than write-in-place; watching the file itself misses those
// rewrites).
func (w *Watcher) Start(ctx context.Context) error {
	dir := parentDir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.loop(ctx)
	w.log.Info("watching organism config", "path", w.path)
	return nil
}

// Stop releases the fsnotify watcher.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !sameFile(event.Name, w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounceDelay, func() { w.reload() })
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// parentDir returns the directory fsnotify should watch for changes to
// path, since most editors and config deployers replace a file by
// writing a temp file and renaming it over the original rather than
// writing in place.
func parentDir(path string) string {
	dir := filepath.Dir(path)
	if dir == "" {
		return "."
	}
	return dir
}

// sameFile reports whether a fsnotify event path refers to the same file
// as path, comparing base names after cleaning (fsnotify reports event
// names relative to the watched directory, which may differ in
// separators or trailing slashes from the configured path).
func sameFile(eventPath, path string) bool {
	return filepath.Clean(eventPath) == filepath.Clean(path) ||
		filepath.Base(eventPath) == filepath.Base(path)
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.log.Warn("organism config reload failed, keeping previous config", "error", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	prev := w.current
	diff := Compare(prev, next)
	w.current = next
	w.mu.Unlock()

	if diff.Empty() {
		return
	}
	w.log.Info("organism config reloaded",
		"listeners_added", len(diff.ListenersAdded),
		"listeners_removed", len(diff.ListenersRemoved),
		"listeners_changed", len(diff.ListenersChanged),
		"profiles_added", len(diff.ProfilesAdded),
		"profiles_removed", len(diff.ProfilesRemoved),
		"profiles_changed", len(diff.ProfilesChanged),
	)
	if w.onReload != nil {
		w.onReload(next, diff)
	}
}
