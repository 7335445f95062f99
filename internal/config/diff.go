package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied to a running process are tracked
// individually; everything else is summarised in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdChanged bool
	NewThreshold     float64

	AudioSavingChanged bool
	NewAudioSaving     bool

	RetentionChanged bool
	NewRetentionDays int

	// SampleRateChanged is applied on the next detector start.
	SampleRateChanged bool
	NewSampleRate     int

	// RestartRequired lists top-level sections whose changes only take
	// effect after a process restart.
	RestartRequired []string
}

// Empty reports whether the diff contains no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ThresholdChanged && !d.AudioSavingChanged &&
		!d.RetentionChanged && !d.SampleRateChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Detection.ConfidenceThreshold != new.Detection.ConfidenceThreshold {
		d.ThresholdChanged = true
		d.NewThreshold = new.Detection.ConfidenceThreshold
	}
	if old.Storage.AudioSaving != new.Storage.AudioSaving {
		d.AudioSavingChanged = true
		d.NewAudioSaving = new.Storage.AudioSaving
	}
	if old.Storage.RetentionDays != new.Storage.RetentionDays {
		d.RetentionChanged = true
		d.NewRetentionDays = new.Storage.RetentionDays
	}
	if old.Audio.SampleRate != new.Audio.SampleRate {
		d.SampleRateChanged = true
		d.NewSampleRate = new.Audio.SampleRate
	}

	// Compare the remaining fields with the hot-reloadable ones masked out.
	o, n := *old, *new
	o.Server.LogLevel, n.Server.LogLevel = "", ""
	o.Detection.ConfidenceThreshold, n.Detection.ConfidenceThreshold = 0, 0
	o.Storage.AudioSaving, n.Storage.AudioSaving = false, false
	o.Storage.RetentionDays, n.Storage.RetentionDays = 0, 0
	o.Audio.SampleRate, n.Audio.SampleRate = 0, 0

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", o.Server, n.Server},
		{"device", o.Device, n.Device},
		{"audio", o.Audio, n.Audio},
		{"detection", o.Detection, n.Detection},
		{"aggregator", o.Aggregator, n.Aggregator},
		{"storage", o.Storage, n.Storage},
		{"archive", o.Archive, n.Archive},
		{"mqtt", o.MQTT, n.MQTT},
		{"telemetry", o.Telemetry, n.Telemetry},
		{"offload", o.Offload, n.Offload},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
