package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
)

// LoggerTestSuite tests the log package
type LoggerTestSuite struct {
	suite.Suite
	originalLogger zerolog.Logger
	testOutput     *bytes.Buffer
}

// SetupTest swaps the package logger for one writing JSON into a buffer
func (s *LoggerTestSuite) SetupTest() {
	s.originalLogger = Logger
	s.testOutput = &bytes.Buffer{}
	Logger = newLogger(s.testOutput, FormatJSON, zerolog.DebugLevel)
}

// TearDownTest restores the original logger
func (s *LoggerTestSuite) TearDownTest() {
	Logger = s.originalLogger
}

func (s *LoggerTestSuite) lastLine() map[string]interface{} {
	lines := strings.Split(strings.TrimSpace(s.testOutput.String()), "\n")
	s.Require().NotEmpty(lines)

	var entry map[string]interface{}
	s.Require().NoError(json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

// TestGoroutineID checks the ID is numeric and stable within a goroutine
func (s *LoggerTestSuite) TestGoroutineID() {
	first := goroutineID()
	second := goroutineID()

	s.NotEmpty(first)
	s.Equal(first, second)
	s.LessOrEqual(len(first), 20)
	if first != "unknown" {
		for _, char := range first {
			s.True(char >= '0' && char <= '9', "goroutine ID should be numeric or 'unknown'")
		}
	}
}

// TestGoroutineIDDiffersAcrossGoroutines checks a spawned goroutine reports its own ID
func (s *LoggerTestSuite) TestGoroutineIDDiffersAcrossGoroutines() {
	mainID := goroutineID()

	done := make(chan string, 1)
	go func() {
		done <- goroutineID()
	}()
	otherID := <-done

	if mainID != "unknown" && otherID != "unknown" {
		s.NotEqual(mainID, otherID)
	}
}

// TestLevelsCarryGoid checks every helper writes its level and the goid field
func (s *LoggerTestSuite) TestLevelsCarryGoid() {
	cases := map[string]func() *zerolog.Event{
		"debug": Debug,
		"info":  Info,
		"warn":  Warn,
		"error": Error,
	}

	for level, event := range cases {
		event().Msg(level + " message")

		entry := s.lastLine()
		s.Equal(level, entry["level"])
		s.Equal(level+" message", entry["message"])
		s.Contains(entry, "goid")
	}
}

// TestComponentLogger checks the component field is attached
func (s *LoggerTestSuite) TestComponentLogger() {
	logger := Component("registry")
	logger.Info().Str("peer", "10.0.0.2:7520").Msg("peer added")

	entry := s.lastLine()
	s.Equal("registry", entry["component"])
	s.Equal("10.0.0.2:7520", entry["peer"])
	s.Contains(entry, "goid")
}

// TestSetupParsesLevel checks Setup honours known levels and defaults the rest
func (s *LoggerTestSuite) TestSetupParsesLevel() {
	Setup("WARN", FormatJSON)
	s.Equal(zerolog.WarnLevel, Logger.GetLevel())

	Setup("not-a-level", FormatConsole)
	s.Equal(zerolog.InfoLevel, Logger.GetLevel())

	Setup("", FormatConsole)
	s.Equal(zerolog.InfoLevel, Logger.GetLevel())
}

// TestSetDebugMode checks the level switch
func (s *LoggerTestSuite) TestSetDebugMode() {
	Logger = Logger.Level(zerolog.InfoLevel)
	SetDebugMode()
	s.Equal(zerolog.DebugLevel, Logger.GetLevel())
}

// TestConcurrentLogging checks no lines are lost under concurrent writers
func (s *LoggerTestSuite) TestConcurrentLogging() {
	const writers = 10
	done := make(chan struct{}, writers)

	for i := 0; i < writers; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			Info().Int("writer", id).Msg("concurrent message")
		}(i)
	}
	for i := 0; i < writers; i++ {
		<-done
	}

	lines := strings.Split(strings.TrimSpace(s.testOutput.String()), "\n")
	s.GreaterOrEqual(len(lines), writers)
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTestSuite))
}
