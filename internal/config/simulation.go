package config

// Simulation defaults follow the bench: a 0.5 mm/s stage whose wavemeter
// reading is 16600 + 100*pos cm^-1, a 50 Hz trigger and ~200 events per bunch.

func (s *SimulationSettings) GetStageMoveSpeed() float64 {
	if s.Stage.MoveSpeed == nil {
		return 0.5
	}
	return *s.Stage.MoveSpeed
}

func (s *SimulationSettings) GetWavemeterOffset() float64 {
	if s.Wavemeter.Offset == nil {
		return 16600.0
	}
	return *s.Wavemeter.Offset
}

func (s *SimulationSettings) GetWavemeterSlope() float64 {
	if s.Wavemeter.Slope == nil {
		return 100.0
	}
	return *s.Wavemeter.Slope
}

func (s *SimulationSettings) GetWavemeterNoise() float64 {
	if s.Wavemeter.NoiseLevel == nil {
		return 0.0005
	}
	return *s.Wavemeter.NoiseLevel
}

func (s *SimulationSettings) GetRepetitionRate() float64 {
	if s.Tagger.RepetitionRate == nil {
		return 50.0
	}
	return *s.Tagger.RepetitionRate
}

func (s *SimulationSettings) GetMeanEventsPerBunch() float64 {
	if s.Tagger.MeanEventsPerBunch == nil {
		return 200.0
	}
	return *s.Tagger.MeanEventsPerBunch
}

// GetTaggerSeed returns 0 when unset; the tagger then seeds from the clock.
func (s *SimulationSettings) GetTaggerSeed() int64 {
	if s.Tagger.Seed == nil {
		return 0
	}
	return *s.Tagger.Seed
}

func (s *SimulationSettings) GetMultimeterNoise() float64 {
	if s.Multimeter.NoiseLevel == nil {
		return 0.05
	}
	return *s.Multimeter.NoiseLevel
}
