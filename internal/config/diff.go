package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only the command,
// transcript, intent, log level and API token sections are applied live; every other
// changed section is listed in RestartRequired.
type ConfigDiff struct {
	// CommandsChanged is true when groups were added, removed or edited.
	CommandsChanged bool
	Added           []string
	Removed         []string
	Modified        []string

	// MatcherChanged covers cooldown, fuzzy, phonetic and word fraction.
	MatcherChanged bool

	TranscriptChanged bool
	IntentChanged     bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	TokenChanged bool

	// RestartRequired names sections whose changes only take effect after a
	// restart, e.g. "audio" or "transcription".
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.CommandsChanged && !d.MatcherChanged && !d.TranscriptChanged &&
		!d.IntentChanged && !d.LogLevelChanged && !d.TokenChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.TokenChanged = old.Server.APIToken != new.Server.APIToken

	oc, nc := old.Commands, new.Commands
	if oc.Cooldown != nc.Cooldown || oc.Fuzzy != nc.Fuzzy || oc.Phonetic != nc.Phonetic ||
		oc.WordMatchFraction != nc.WordMatchFraction {
		d.MatcherChanged = true
	}

	oldGroups := make(map[string]GroupConfig, len(oc.Groups))
	for _, g := range oc.Groups {
		oldGroups[g.Name] = g
	}
	newGroups := make(map[string]GroupConfig, len(nc.Groups))
	for _, g := range nc.Groups {
		newGroups[g.Name] = g
		prev, ok := oldGroups[g.Name]
		switch {
		case !ok:
			d.Added = append(d.Added, g.Name)
		case !reflect.DeepEqual(prev, g):
			d.Modified = append(d.Modified, g.Name)
		}
	}
	for _, g := range oc.Groups {
		if _, ok := newGroups[g.Name]; !ok {
			d.Removed = append(d.Removed, g.Name)
		}
	}
	slices.Sort(d.Added)
	slices.Sort(d.Removed)
	slices.Sort(d.Modified)

	// Reordering changes which group wins a match.
	sameOrder := slices.EqualFunc(oc.Groups, nc.Groups, func(a, b GroupConfig) bool { return a.Name == b.Name })
	d.CommandsChanged = len(d.Added)+len(d.Removed)+len(d.Modified) > 0 || !sameOrder

	d.TranscriptChanged = !reflect.DeepEqual(old.Transcript, new.Transcript)
	d.IntentChanged = !reflect.DeepEqual(old.Intent, new.Intent)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"audio", old.Audio, new.Audio},
		{"vad", old.VAD, new.VAD},
		{"calibration", old.Calibration, new.Calibration},
		{"transcription", old.Transcription, new.Transcription},
		{"store", old.Store, new.Store},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
