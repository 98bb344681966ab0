/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrResetInProgress is returned when an audio reset is requested while
// another one is running
var ErrResetInProgress = errors.New("audio reset already in progress")

// AudioSettings are the preferred audio path parameters
type AudioSettings struct {
	SampleRate       int
	IOBufferDuration time.Duration
	Channels         int
}

// PreferredAudioSettings returns the settings reapplied by an audio reset:
// 16 kHz, 5 ms IO buffer, mono.
func PreferredAudioSettings() AudioSettings {
	return AudioSettings{
		SampleRate:       16000,
		IOBufferDuration: 5 * time.Millisecond,
		Channels:         1,
	}
}

// AudioDevice is the process-wide audio path. There is one per process and
// it is shared by all calls.
type AudioDevice interface {
	SetAudioEnabled(enabled bool) error
	ApplySettings(settings AudioSettings) error
	SpeakerEnabled() bool
	SetSpeakerEnabled(enabled bool) error
}

// AudioResetter runs staged audio resets on an AudioDevice. Only one reset
// runs at a time.
type AudioResetter struct {
	mu        sync.Mutex
	device    AudioDevice
	cycles    int
	stepDelay time.Duration
	settings  AudioSettings
	log       *logrus.Entry
}

// NewAudioResetter creates a resetter with three cycles of stepDelay.
func NewAudioResetter(device AudioDevice, stepDelay time.Duration, log *logrus.Entry) *AudioResetter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AudioResetter{
		device:    device,
		cycles:    3,
		stepDelay: stepDelay,
		settings:  PreferredAudioSettings(),
		log:       log.WithField("component", "audio_resetter"),
	}
}

// Device returns the wrapped device.
func (r *AudioResetter) Device() AudioDevice {
	return r.device
}

// Reset disables and re-enables the audio path in cycles, reapplying the
// preferred settings after each one. Cycle n stays disabled for n step
// delays, with half a step between cycles. The speaker routing observed
// before the reset is restored afterwards, and the audio path is left
// enabled even when ctx is cancelled midway. It returns
// ErrResetInProgress without touching the device if a reset is running.
func (r *AudioResetter) Reset(ctx context.Context) (err error) {
	if !r.mu.TryLock() {
		return ErrResetInProgress
	}
	defer r.mu.Unlock()

	speaker := r.device.SpeakerEnabled()
	log := r.log.WithFields(logrus.Fields{
		"function": "Reset",
		"speaker":  speaker,
	})
	log.Info("Starting audio reset")

	defer func() {
		if enableErr := r.device.SetAudioEnabled(true); enableErr != nil && err == nil {
			err = fmt.Errorf("failed to re-enable audio: %w", enableErr)
		}
		if r.device.SpeakerEnabled() != speaker {
			if routeErr := r.device.SetSpeakerEnabled(speaker); routeErr != nil && err == nil {
				err = fmt.Errorf("failed to restore speaker routing: %w", routeErr)
			}
		}
	}()

	for cycle := 1; cycle <= r.cycles; cycle++ {
		if err := r.device.SetAudioEnabled(false); err != nil {
			return fmt.Errorf("failed to disable audio in cycle %d: %w", cycle, err)
		}
		if err := sleepCtx(ctx, time.Duration(cycle)*r.stepDelay); err != nil {
			return err
		}
		if err := r.device.SetAudioEnabled(true); err != nil {
			return fmt.Errorf("failed to enable audio in cycle %d: %w", cycle, err)
		}
		if err := r.device.ApplySettings(r.settings); err != nil {
			return fmt.Errorf("failed to apply audio settings in cycle %d: %w", cycle, err)
		}
		if cycle < r.cycles {
			if err := sleepCtx(ctx, r.stepDelay/2); err != nil {
				return err
			}
		}
	}

	log.Info("Audio reset complete")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TransportAudioDevice is the default AudioDevice. It drives the outbound
// audio path of every attached media transport, so a reset reaches all
// live calls. Settings and speaker routing are recorded for the
// application's audio source to pick up.
type TransportAudioDevice struct {
	mu         sync.Mutex
	transports map[string]MediaTransport
	enabled    bool
	settings   AudioSettings
	speaker    bool
}

// NewTransportAudioDevice creates an enabled device with no transports.
func NewTransportAudioDevice() *TransportAudioDevice {
	return &TransportAudioDevice{
		transports: make(map[string]MediaTransport),
		enabled:    true,
		settings:   PreferredAudioSettings(),
	}
}

// Attach adds a transport under key, replacing any previous one.
func (d *TransportAudioDevice) Attach(key string, t MediaTransport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports[key] = t
}

// Detach removes the transport under key.
func (d *TransportAudioDevice) Detach(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.transports, key)
}

// SetAudioEnabled toggles the audio path of every attached transport.
func (d *TransportAudioDevice) SetAudioEnabled(enabled bool) error {
	d.mu.Lock()
	d.enabled = enabled
	transports := make([]MediaTransport, 0, len(d.transports))
	for _, t := range d.transports {
		transports = append(transports, t)
	}
	d.mu.Unlock()

	var errs []error
	for _, t := range transports {
		if err := t.SetAudioEnabled(enabled); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplySettings records the preferred settings.
func (d *TransportAudioDevice) ApplySettings(settings AudioSettings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings = settings
	return nil
}

// Settings returns the last applied settings.
func (d *TransportAudioDevice) Settings() AudioSettings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// SpeakerEnabled reports the speaker routing.
func (d *TransportAudioDevice) SpeakerEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaker
}

// SetSpeakerEnabled sets the speaker routing.
func (d *TransportAudioDevice) SetSpeakerEnabled(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speaker = enabled
	return nil
}
