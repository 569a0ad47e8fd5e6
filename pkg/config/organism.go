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

// Package config decodes the organism YAML document (spec §6.4): the
// listeners and profiles that the Pipeline and SecurityResolver are built
// from. Every config struct carries its own Validate() and SetDefaults()
// method rather than failing lazily deep inside the component that
// consumes it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PermissionTier is the approval tier attached to a listener permission
// (spec §9 Open Question iii).
type PermissionTier string

const (
	TierAuto   PermissionTier = "auto"
	TierPrompt PermissionTier = "prompt"
	TierDeny   PermissionTier = "deny"
)

// Permission pairs a tier with the channel an approval request is routed
// to when the tier is "prompt". This is the concrete resolution of Open
// Question (iii): rather than leaving the tier->UI path implicit, every
// permission names its approval channel explicitly, with "" meaning "no
// channel configured" (only legal for auto/deny).
type Permission struct {
	Tier            PermissionTier `yaml:"tier"`
	ApprovalChannel string         `yaml:"approval_channel,omitempty"`
}

// Validate checks a single permission entry.
func (p *Permission) Validate() error {
	switch p.Tier {
	case TierAuto, TierDeny:
		return nil
	case TierPrompt:
		if p.ApprovalChannel == "" {
			return fmt.Errorf("permission tier %q requires an approval_channel", TierPrompt)
		}
		return nil
	default:
		return fmt.Errorf("unknown permission tier %q", p.Tier)
	}
}

// SetDefaults fills in the deterministic default for an entry whose tier
// is left empty: deny. It applies only to entries that exist; a caller
// with no permission entry at all is not denied by this map
// (pipeline.Listener.PermissionFor treats it as auto).
func (p *Permission) SetDefaults() {
	if p.Tier == "" {
		p.Tier = TierDeny
	}
}

// ListenerConfig declares one named endpoint (spec §3 Listener
// definition, §6.4).
type ListenerConfig struct {
	Name                string                `yaml:"name"`
	PayloadClass        string                `yaml:"payload_class"`
	Handler             string                `yaml:"handler"`
	Description         string                `yaml:"description,omitempty"`
	Peers               []string              `yaml:"peers,omitempty"`
	Ports               []int                 `yaml:"ports,omitempty"`
	SemanticDescription string                `yaml:"semantic_description,omitempty"`
	IsAgent             bool                  `yaml:"is_agent,omitempty"`
	Permissions         map[string]Permission `yaml:"permissions,omitempty"`
}

// Validate checks required fields and cascades into nested permissions.
func (l *ListenerConfig) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("listener: name is required")
	}
	if l.PayloadClass == "" {
		return fmt.Errorf("listener %q: payload_class is required", l.Name)
	}
	if l.Handler == "" {
		return fmt.Errorf("listener %q: handler is required", l.Name)
	}
	for caller, perm := range l.Permissions {
		if err := perm.Validate(); err != nil {
			return fmt.Errorf("listener %q: permission for %q: %w", l.Name, caller, err)
		}
	}
	return nil
}

// SetDefaults cascades defaults into every permission entry.
func (l *ListenerConfig) SetDefaults() {
	for caller, perm := range l.Permissions {
		perm.SetDefaults()
		l.Permissions[caller] = perm
	}
}

// JournalRetention describes how long a profile's journal entries survive
// after being marked Delivered or Failed.
type JournalRetention struct {
	// Duration is how long to retain terminal journal entries. Zero means
	// retain indefinitely (no GC).
	Duration time.Duration `yaml:"duration,omitempty"`
}

// ProfileConfig is a security identity with an allow-list of reachable
// listeners (spec §3 Profile).
type ProfileConfig struct {
	Name             string           `yaml:"name"`
	OSUser           string           `yaml:"os_user"`
	AllowedListeners []string         `yaml:"allowed_listeners,omitempty"`
	JournalRetention JournalRetention `yaml:"journal_retention,omitempty"`
}

// Validate checks required fields. An empty AllowedListeners is legal —
// spec §4.5 is explicit that "empty allow-list means no access", not
// "everyone" — so validation does not reject it.
func (p *ProfileConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile: name is required")
	}
	if p.OSUser == "" {
		return fmt.Errorf("profile %q: os_user is required", p.Name)
	}
	return nil
}

// SetDefaults is a no-op today; present for symmetry with the other
// config types and as the seam future defaults attach to.
func (p *ProfileConfig) SetDefaults() {}

// Organism is the entire YAML-declared configuration: listeners +
// profiles (spec §6.4, Glossary "Organism").
type Organism struct {
	Name      string           `yaml:"name"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Profiles  []ProfileConfig  `yaml:"profiles"`
}

// Validate checks the organism and every nested listener/profile, and
// rejects duplicate listener or profile names up front so later
// components can assume uniqueness.
func (o *Organism) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("organism: name is required")
	}
	seenListeners := make(map[string]bool, len(o.Listeners))
	for i := range o.Listeners {
		if err := o.Listeners[i].Validate(); err != nil {
			return err
		}
		if seenListeners[o.Listeners[i].Name] {
			return fmt.Errorf("duplicate listener name %q", o.Listeners[i].Name)
		}
		seenListeners[o.Listeners[i].Name] = true
	}
	seenProfiles := make(map[string]bool, len(o.Profiles))
	for i := range o.Profiles {
		if err := o.Profiles[i].Validate(); err != nil {
			return err
		}
		if seenProfiles[o.Profiles[i].Name] {
			return fmt.Errorf("duplicate profile name %q", o.Profiles[i].Name)
		}
		seenProfiles[o.Profiles[i].Name] = true
	}
	for _, p := range o.Profiles {
		for _, l := range p.AllowedListeners {
			if !seenListeners[l] {
				return fmt.Errorf("profile %q allows unknown listener %q", p.Name, l)
			}
		}
	}
	return nil
}

// SetDefaults cascades defaults into every listener and profile.
func (o *Organism) SetDefaults() {
	for i := range o.Listeners {
		o.Listeners[i].SetDefaults()
	}
	for i := range o.Profiles {
		o.Profiles[i].SetDefaults()
	}
}

// Load reads and validates an organism YAML document from path.
func Load(path string) (*Organism, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read organism config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates an organism YAML document from data.
func Parse(data []byte) (*Organism, error) {
	var o Organism
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse organism config: %w", err)
	}
	o.SetDefaults()
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("validate organism config: %w", err)
	}
	return &o, nil
}

// PortConflict names two listeners declaring the same inbound port (spec
// §8 scenario 3).
type PortConflict struct {
	Port   int
	First  string
	Second string
}

func (e *PortConflict) Error() string {
	return fmt.Sprintf("port %d is declared by both listener %q and listener %q", e.Port, e.First, e.Second)
}

// CheckPortConflicts scans every listener's declared ports and returns the
// first collision found, or nil if none.
func CheckPortConflicts(listeners []ListenerConfig) error {
	owner := make(map[int]string)
	for _, l := range listeners {
		for _, port := range l.Ports {
			if existing, ok := owner[port]; ok && existing != l.Name {
				return &PortConflict{Port: port, First: existing, Second: l.Name}
			}
			owner[port] = l.Name
		}
	}
	return nil
}
