package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blehealth/internal/testutils"
)

type ProfilesTestSuite struct {
	CommandTestSuite
}

func (s *ProfilesTestSuite) TestProfiles_JSON() {
	// GOAL: Verify the profile listing carries ids, frame sizes and default values
	//
	// TEST SCENARIO: profiles --format json → one entry per profile in registry order

	output, err := s.ExecuteCommand("profiles", "--format", "json")
	s.Require().NoError(err, "profiles MUST succeed")

	testutils.NewJSONAsserter(s.T()).Assert(output, `{
		"thermometer":    {"name": "Thermometer", "service": "1809", "characteristic": "2a1c", "frame_len": 5, "defaults": [36.5], "example": "36.5 °C"},
		"heart-rate":     {"name": "Heart Rate", "service": "180d", "characteristic": "2a37", "frame_len": 2, "defaults": [70], "example": "70 bpm"},
		"glucose":        {"name": "Glucose", "service": "1808", "characteristic": "2a18", "frame_len": 15, "defaults": [100], "example": "Gluc: 100 mg/dL"},
		"blood-pressure": {"name": "Blood Pressure", "service": "1810", "characteristic": "2a35", "frame_len": 7, "defaults": [120, 80, 90], "example": "BP: 120/80 (MAP 90)"},
		"pulse-oximeter": {"name": "Pulse Oximeter", "service": "1822", "characteristic": "2a5f", "frame_len": 5, "defaults": [98, 70], "example": "SpO2: 98% | PR: 70"}
	}`)

	order := []string{`"thermometer"`, `"heart-rate"`, `"glucose"`, `"blood-pressure"`, `"pulse-oximeter"`}
	for i := 1; i < len(order); i++ {
		s.Less(strings.Index(output, order[i-1]), strings.Index(output, order[i]),
			"profiles MUST keep registry order")
	}
}

func (s *ProfilesTestSuite) TestProfiles_Table() {
	output, err := s.ExecuteCommand("profiles")
	s.Require().NoError(err)

	lines := strings.Split(strings.TrimSpace(output), "\n")
	s.Require().Len(lines, 6, "table MUST have a header and one row per profile")
	s.Equal([]string{"PROFILE", "NAME", "SERVICE", "CHARACTERISTIC", "FRAME", "EXAMPLE"}, strings.Fields(lines[0]))
	s.Contains(lines[4], "BP: 120/80 (MAP 90)")
	s.Contains(lines[4], "7 bytes")
}

func (s *ProfilesTestSuite) TestProfiles_InvalidFormat() {
	_, err := s.ExecuteCommand("profiles", "--format", "xml")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid format 'xml': must be one of [table json]")
}

func TestProfilesTestSuite(t *testing.T) {
	suite.Run(t, new(ProfilesTestSuite))
}
