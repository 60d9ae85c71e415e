package wasapi

// Volume reads the session master volume as a scalar in [0, 1].
func (s *Session) Volume() (float32, error) {
	sv, err := s.simpleVolume()
	if err != nil {
		return 0, err
	}
	defer release(sv)

	return sv.GetMasterVolume()
}

// Muted reports whether the session is muted.
func (s *Session) Muted() (bool, error) {
	sv, err := s.simpleVolume()
	if err != nil {
		return false, err
	}
	defer release(sv)

	return sv.GetMute()
}

// SetMuted mutes or unmutes the session.
func (s *Session) SetMuted(mute bool) error {
	sv, err := s.simpleVolume()
	if err != nil {
		return err
	}
	defer release(sv)

	return sv.SetMute(mute)
}

func (s *Session) simpleVolume() (*iSimpleAudioVolume, error) {
	raw, err := s.client.GetService(&IID_ISimpleAudioVolume)
	if err != nil {
		return nil, err
	}

	return (*iSimpleAudioVolume)(raw), nil
}
