package monitor

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"offload/pkg/device"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type mockSampler struct {
	mock.Mock
}

func (m *mockSampler) Sample(ctx context.Context) (Reading, error) {
	args := m.Called(ctx)
	return args.Get(0).(Reading), args.Error(1)
}

type staticLoads map[device.Class]float64

func (s staticLoads) Loads(context.Context) map[device.Class]float64 {
	return s
}

// MonitorTestSuite tests the sliding window and the derived recommendation
type MonitorTestSuite struct {
	suite.Suite
	ctx     context.Context
	sampler *mockSampler
}

func (s *MonitorTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.sampler = &mockSampler{}
}

func (s *MonitorTestSuite) reading(cpu, memMB, memPct float64) {
	s.sampler.On("Sample", mock.Anything).Return(Reading{
		CPUFraction:       cpu,
		MemoryAvailableMB: memMB,
		MemoryUsedPercent: memPct,
	}, nil).Once()
}

// TestAverageOverWindow checks the arithmetic mean and FIFO eviction
func (s *MonitorTestSuite) TestAverageOverWindow() {
	m := New(s.sampler, Options{WindowSize: 3})

	s.reading(0.9, 1000, 90)
	s.reading(0.3, 3000, 70)
	s.reading(0.3, 5000, 50)
	s.reading(0.6, 8000, 30)

	m.Sample(s.ctx)
	m.Sample(s.ctx)
	snap := m.Sample(s.ctx)
	s.InDelta(0.5, snap.Average.CPU, 1e-9)
	s.InDelta(3000, snap.Average.MemoryMB, 1e-9)
	s.Equal(3, snap.Samples)

	// The 0.9 sample falls out of the window.
	snap = m.Sample(s.ctx)
	s.Equal(3, snap.Samples)
	s.InDelta(0.4, snap.Average.CPU, 1e-9)
	s.InDelta(16000.0/3, snap.Average.MemoryMB, 1e-9)
	s.InDelta(50, snap.Average.MemoryPercent, 1e-9)
	s.Equal(0.6, snap.Instant.CPUFraction)

	s.sampler.AssertExpectations(s.T())
}

// TestRecommendation checks the offload advice and receive flag
func (s *MonitorTestSuite) TestRecommendation() {
	cases := []struct {
		name       string
		cpu        float64
		memMB      float64
		expected   Recommendation
		canReceive bool
	}{
		{name: "idle", cpu: 0.1, memMB: 8192, expected: RecommendLocal, canReceive: true},
		{name: "receive boundary", cpu: 0.4, memMB: 8192, expected: RecommendLocal, canReceive: true},
		{name: "cpu at offload boundary", cpu: 0.5, memMB: 8192, expected: RecommendLocal, canReceive: false},
		{name: "busy cpu", cpu: 0.51, memMB: 8192, expected: RecommendOffload, canReceive: false},
		{name: "low memory", cpu: 0.1, memMB: 2047, expected: RecommendOffload, canReceive: true},
		{name: "memory boundary", cpu: 0.1, memMB: 2048, expected: RecommendLocal, canReceive: true},
	}

	for _, tc := range cases {
		sampler := &mockSampler{}
		sampler.On("Sample", mock.Anything).Return(Reading{CPUFraction: tc.cpu, MemoryAvailableMB: tc.memMB}, nil)

		snap := New(sampler, Options{}).Sample(s.ctx)
		s.Equal(tc.expected, snap.Recommendation, tc.name)
		s.Equal(tc.canReceive, snap.CanReceive, tc.name)
	}
}

// TestFailureWithoutHistoryIsConservative checks the high-load default
func (s *MonitorTestSuite) TestFailureWithoutHistoryIsConservative() {
	s.sampler.On("Sample", mock.Anything).Return(Reading{}, errors.New("procfs unavailable"))

	snap := New(s.sampler, Options{}).Sample(s.ctx)

	s.True(snap.Degraded)
	s.Equal(1.0, snap.Instant.CPUFraction)
	s.Equal(100.0, snap.Instant.MemoryUsedPercent)
	s.False(snap.CanReceive)
	s.Equal(RecommendOffload, snap.Recommendation)
}

// TestFailureReusesLastKnown checks the last good reading is substituted
func (s *MonitorTestSuite) TestFailureReusesLastKnown() {
	m := New(s.sampler, Options{})

	s.reading(0.2, 4096, 40)
	s.sampler.On("Sample", mock.Anything).Return(Reading{}, errors.New("timeout")).Once()

	m.Sample(s.ctx)
	snap := m.Sample(s.ctx)

	s.True(snap.Degraded)
	s.Equal(0.2, snap.Instant.CPUFraction)
	s.Equal(4096.0, snap.Instant.MemoryAvailableMB)
	s.InDelta(0.2, snap.Average.CPU, 1e-9)
}

// TestClamping checks out-of-range and NaN readings
func (s *MonitorTestSuite) TestClamping() {
	m := New(s.sampler, Options{})

	s.reading(1.7, -5, 140)
	snap := m.Sample(s.ctx)
	s.Equal(1.0, snap.Instant.CPUFraction)
	s.Equal(0.0, snap.Instant.MemoryAvailableMB)
	s.Equal(100.0, snap.Instant.MemoryUsedPercent)

	s.reading(math.NaN(), 100, math.NaN())
	snap = m.Sample(s.ctx)
	s.Equal(1.0, snap.Instant.CPUFraction)
	s.Equal(100.0, snap.Instant.MemoryUsedPercent)
}

// TestPerDeviceLoadIsCopied checks device loads are attached and isolated
func (s *MonitorTestSuite) TestPerDeviceLoadIsCopied() {
	loads := staticLoads{device.GPU: 75}
	m := New(s.sampler, Options{Devices: loads})

	s.reading(0.1, 8192, 20)
	snap := m.Sample(s.ctx)
	s.Equal(75.0, snap.Instant.PerDeviceLoad[device.GPU])

	snap.Instant.PerDeviceLoad[device.GPU] = 1
	latest, ok := m.Latest()
	s.True(ok)
	s.Equal(75.0, latest.Instant.PerDeviceLoad[device.GPU])
}

// TestLatest checks Latest does not sample
func (s *MonitorTestSuite) TestLatest() {
	m := New(s.sampler, Options{Clock: func() time.Time { return time.Unix(100, 0) }})

	_, ok := m.Latest()
	s.False(ok)

	s.reading(0.25, 4096, 50)
	m.Sample(s.ctx)

	latest, ok := m.Latest()
	s.True(ok)
	s.Equal(0.25, latest.Average.CPU)
	s.Equal(time.Unix(100, 0), latest.Instant.Timestamp)
	s.sampler.AssertNumberOfCalls(s.T(), "Sample", 1)
}

// TestConcurrentSampling checks the window stays bounded under concurrent callers
func (s *MonitorTestSuite) TestConcurrentSampling() {
	s.sampler.On("Sample", mock.Anything).Return(Reading{CPUFraction: 0.5, MemoryAvailableMB: 1024}, nil)
	m := New(s.sampler, Options{WindowSize: 5})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Sample(s.ctx)
		}()
	}
	wg.Wait()

	latest, ok := m.Latest()
	s.True(ok)
	s.Equal(5, latest.Samples)
	s.InDelta(0.5, latest.Average.CPU, 1e-9)
}

// TestRunSamplesOnTick checks the background loop fills the window and publishes the average
func (s *MonitorTestSuite) TestRunSamplesOnTick() {
	s.sampler.On("Sample", mock.Anything).Return(Reading{CPUFraction: 0.35, MemoryAvailableMB: 4096, MemoryUsedPercent: 40}, nil)
	m := New(s.sampler, Options{WindowSize: 5})

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, 5*time.Millisecond)
	}()

	s.Eventually(func() bool {
		snap, ok := m.Latest()
		return ok && snap.Samples >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	families, err := prometheus.DefaultGatherer.Gather()
	s.Require().NoError(err)
	found := false
	for _, family := range families {
		if family.GetName() == "offload_average_cpu_fraction" {
			s.Require().Len(family.GetMetric(), 1)
			s.InDelta(0.35, family.GetMetric()[0].GetGauge().GetValue(), 1e-9)
			found = true
		}
	}
	s.True(found)
}

func TestMonitorSuite(t *testing.T) {
	suite.Run(t, new(MonitorTestSuite))
}
