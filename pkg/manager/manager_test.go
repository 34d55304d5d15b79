package manager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/avereha/podmanager/pkg/basal"
	"github.com/avereha/podmanager/pkg/command"
	"github.com/avereha/podmanager/pkg/dose"
	"github.com/avereha/podmanager/pkg/pod"
	"github.com/avereha/podmanager/pkg/podcomms"
	"github.com/avereha/podmanager/pkg/podsim"
	"github.com/avereha/podmanager/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mtx sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now = c.now.Add(d)
}

type fakeSink struct {
	mtx        sync.Mutex
	doses      []dose.Dose
	statuses   []Status
	heartbeats int
}

func (f *fakeSink) ReportDoses(ctx context.Context, doses []dose.Dose) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.doses = append(f.doses, doses...)
	return nil
}

func (f *fakeSink) ReportStatusUpdate(ctx context.Context, status Status) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeSink) ReportHeartbeat(ctx context.Context) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.heartbeats++
}

type recordingObserver struct {
	mtx       sync.Mutex
	statuses  []Status
	readings  []ReservoirReading
	onChanged func()
}

func (o *recordingObserver) PumpStatusDidChange(status Status) {
	o.mtx.Lock()
	o.statuses = append(o.statuses, status)
	o.mtx.Unlock()
	if o.onChanged != nil {
		o.onChanged()
	}
}

func (o *recordingObserver) ReservoirVolumeDidChange(reading ReservoirReading) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.readings = append(o.readings, reading)
}

// commandLog records the command types of every block on its way to the pod
type commandLog struct {
	next  transport.Transport
	mtx   sync.Mutex
	types []command.Type
}

func (c *commandLog) SendAndReceive(ctx context.Context, data []byte) ([]byte, error) {
	if block, err := command.Unmarshal(data); err == nil {
		c.mtx.Lock()
		for _, cmd := range block.Commands {
			c.types = append(c.types, cmd.GetType())
		}
		c.mtx.Unlock()
	}
	return c.next.SendAndReceive(ctx, data)
}

func (c *commandLog) count(t command.Type) int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	n := 0
	for _, got := range c.types {
		if got == t {
			n++
		}
	}
	return n
}

type fixture struct {
	clock   *fakeClock
	sim     *podsim.Pod
	log     *commandLog
	sink    *fakeSink
	manager *Manager
}

var schedule = basal.NewSchedule([]basal.Entry{{Index: 0, TimeOffset: 0, Rate: 0.8}})

func newFixture(t *testing.T, suspended bool, simOpts ...podsim.Option) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2021, 3, 1, 8, 0, 0, 0, time.UTC)}
	simOpts = append([]podsim.Option{podsim.WithClock(clock.Now), podsim.WithSchedule(schedule)}, simOpts...)
	if suspended {
		simOpts = append(simOpts, podsim.Suspended())
	}
	sim := podsim.New(simOpts...)

	state := pod.NewState(0x17000a2b, time.UTC)
	state.PIVersion = "2.7.0"
	state.Suspended = suspended
	s := schedule
	state.BasalSchedule = &s

	f := &fixture{
		clock: clock,
		sim:   sim,
		log:   &commandLog{next: sim},
		sink:  &fakeSink{},
	}
	m, err := New(state, f.log, f.sink, WithClock(clock.Now), WithConnection(Connection{Address: "localhost:7001", Timeout: 5 * time.Second}))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	f.manager = m
	return f
}

func TestNew_RequiresAddress(t *testing.T) {
	t.Parallel()
	_, err := New(pod.NewState(0, time.UTC), transport.Func(nil), &fakeSink{})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestManager_Device(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	device := f.manager.Status().Device
	assert.Equal(t, "Omnipod", device.Name)
	assert.Equal(t, "2.7.0", device.FirmwareVersion)
	assert.Equal(t, "0A2B", device.LocalIdentifier)
}

func TestManager_EnactBolusResumesSuspendedPod(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	observer := &recordingObserver{}
	f.manager.AddObserver(observer)
	require.True(t, f.manager.Status().IsSuspended)

	var requested float64
	var requestedAt time.Time
	err := f.manager.EnactBolus(context.Background(), 2.3, func(units float64, date time.Time) {
		requested = units
		requestedAt = date
		assert.False(t, f.sim.Snapshot().Bolusing, "called before the bolus is sent")
	})
	require.NoError(t, err)

	assert.InDelta(t, 2.3, requested, 1e-9)
	assert.True(t, requestedAt.Equal(f.clock.Now()))
	require.GreaterOrEqual(t, len(observer.statuses), 2)
	assert.False(t, observer.statuses[0].IsSuspended)
	assert.False(t, observer.statuses[0].IsBolusing)
	assert.True(t, observer.statuses[len(observer.statuses)-1].IsBolusing)

	snapshot := f.sim.Snapshot()
	assert.False(t, snapshot.Suspended)
	assert.True(t, snapshot.Bolusing)
	bolus := f.manager.State().UnfinalizedBolus
	require.NotNil(t, bolus)
	assert.True(t, bolus.Certain)
	assert.InDelta(t, 2.3, bolus.Units, 1e-9)
}

func TestManager_EnactBolusRoundsToPulse(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	var requested float64
	err := f.manager.EnactBolus(context.Background(), 1.02, func(units float64, _ time.Time) {
		requested = units
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, requested, 1e-9)
}

func TestManager_EnactBolusRoundsToZero(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	called := false
	err := f.manager.EnactBolus(context.Background(), 0.02, func(float64, time.Time) { called = true })
	var bolusErr *SetBolusError
	require.ErrorAs(t, err, &bolusErr)
	assert.True(t, bolusErr.Certain)
	assert.ErrorIs(t, err, ErrNoUnits)
	assert.False(t, called)
	assert.Zero(t, f.log.count(command.GET_STATUS))
}

func TestManager_EnactBolusFailures(t *testing.T) {
	tests := []struct {
		name     string
		fault    podsim.Fault
		certain  bool
		recorded bool
	}{
		{"fails before send", podsim.FailBeforeSend, true, false},
		{"response lost", podsim.DropResponse, false, true},
		{"rejected", podsim.RejectCommand, true, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, false)
			// the status query goes through, the bolus block fails
			f.sim.InjectFault(podsim.NoFault)
			f.sim.InjectFault(tt.fault)

			err := f.manager.EnactBolus(context.Background(), 1, nil)
			var bolusErr *SetBolusError
			require.ErrorAs(t, err, &bolusErr)
			assert.Equal(t, tt.certain, bolusErr.Certain)

			bolus := f.manager.State().UnfinalizedBolus
			if !tt.recorded {
				assert.Nil(t, bolus)
				return
			}
			require.NotNil(t, bolus)
			assert.False(t, bolus.Certain)
			assert.True(t, f.manager.Status().IsBolusing)
		})
	}
}

func TestManager_EnactBolusWhileBolusing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	require.NoError(t, f.manager.EnactBolus(context.Background(), 1, nil))

	called := false
	err := f.manager.EnactBolus(context.Background(), 1, func(float64, time.Time) { called = true })
	assert.ErrorIs(t, err, podcomms.ErrUnfinalizedBolus)
	assert.False(t, called)
	assert.Equal(t, 1, f.log.count(command.PROGRAM_BOLUS))
}

func TestManager_EnactTempBasal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	d, err := f.manager.EnactTempBasal(ctx, 1.52, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, dose.TempBasal, d.Type)
	assert.InDelta(t, 1.5, d.Value, 1e-9)
	assert.Equal(t, 30*time.Minute, d.EndTime.Sub(d.StartTime))
	assert.True(t, f.manager.Status().IsTempBasalRunning)

	f.clock.Advance(5 * time.Minute)
	d, err = f.manager.EnactTempBasal(ctx, 2, time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 2, d.Value, 1e-9)
	assert.InDelta(t, 2, f.sim.Snapshot().TempBasalRate, 1e-9)
	assert.Equal(t, 2, f.log.count(command.PROGRAM_TEMP_BASAL))

	// the first temp basal was cancelled and reported
	require.Len(t, f.sink.doses, 1)
	assert.InDelta(t, 1.5, f.sink.doses[0].Value, 1e-9)
	assert.Equal(t, 5*time.Minute, f.sink.doses[0].EndTime.Sub(f.sink.doses[0].StartTime))
}

func TestManager_EnactTempBasalCancelOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.manager.EnactTempBasal(ctx, 1, time.Hour)
	require.NoError(t, err)

	d, err := f.manager.EnactTempBasal(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, dose.TempBasal, d.Type)
	assert.Zero(t, d.Value)
	assert.Zero(t, d.EndTime.Sub(d.StartTime))
	assert.Equal(t, 1, f.log.count(command.PROGRAM_TEMP_BASAL))
	assert.Equal(t, 1, f.log.count(command.STOP_DELIVERY))
	assert.False(t, f.sim.Snapshot().TempBasal)
	assert.False(t, f.manager.Status().IsTempBasalRunning)
}

func TestManager_EnactTempBasalWholeMinutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.manager.EnactTempBasal(ctx, 1, 20*time.Second)
	assert.ErrorIs(t, err, ErrShortTempBasal)
	assert.Zero(t, f.log.count(command.GET_STATUS))

	d, err := f.manager.EnactTempBasal(ctx, 1, 10*time.Minute+40*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 11*time.Minute, d.EndTime.Sub(d.StartTime))
	pending := f.manager.State().UnfinalizedTempBasal
	require.NotNil(t, pending)
	assert.Equal(t, 11*time.Minute, pending.Duration)
}

func TestManager_EnactTempBasalUncertain(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.sim.InjectFault(podsim.NoFault)
	f.sim.InjectFault(podsim.DropResponse)

	d, err := f.manager.EnactTempBasal(context.Background(), 1, time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 1, d.Value, 1e-9)
	pending := f.manager.State().UnfinalizedTempBasal
	require.NotNil(t, pending)
	assert.False(t, pending.Certain)
}

func TestManager_EnactTempBasalCertainFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.sim.InjectFault(podsim.NoFault)
	f.sim.InjectFault(podsim.FailBeforeSend)

	d, err := f.manager.EnactTempBasal(context.Background(), 1, time.Hour)
	require.Error(t, err)
	assert.Equal(t, dose.Dose{}, d)
	assert.Nil(t, f.manager.State().UnfinalizedTempBasal)
}

func TestManager_EnactTempBasalCancelNotConfirmed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.manager.EnactTempBasal(ctx, 1, time.Hour)
	require.NoError(t, err)

	f.sim.InjectFault(podsim.NoFault)
	f.sim.InjectFault(podsim.IgnoreCancel)
	_, err = f.manager.EnactTempBasal(ctx, 2, time.Hour)
	assert.ErrorIs(t, err, podcomms.ErrUnfinalizedTempBasal)
	assert.Equal(t, 1, f.log.count(command.PROGRAM_TEMP_BASAL))
}

func TestManager_SuspendResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()
	observer := &recordingObserver{}
	f.manager.AddObserver(observer)

	suspended, err := f.manager.SuspendDelivery(ctx)
	require.NoError(t, err)
	assert.True(t, suspended)
	assert.True(t, f.manager.Status().IsSuspended)

	_, err = f.manager.EnactTempBasal(ctx, 1, time.Hour)
	assert.ErrorIs(t, err, podcomms.ErrPodSuspended)
	assert.Zero(t, f.log.count(command.PROGRAM_TEMP_BASAL))

	resumed, err := f.manager.ResumeDelivery(ctx)
	require.NoError(t, err)
	assert.True(t, resumed)

	require.Len(t, observer.statuses, 2)
	assert.True(t, observer.statuses[0].IsSuspended)
	assert.False(t, observer.statuses[1].IsSuspended)
}

func TestManager_AssertCurrentDataFreshness(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	f.manager.AssertCurrentData(ctx)
	assert.Equal(t, 1, f.log.count(command.GET_STATUS))
	assert.Len(t, f.sink.statuses, 1)

	f.clock.Advance(3 * time.Minute)
	f.manager.AssertCurrentData(ctx)
	assert.Equal(t, 1, f.log.count(command.GET_STATUS))

	f.clock.Advance(2 * time.Minute)
	f.manager.AssertCurrentData(ctx)
	assert.Equal(t, 2, f.log.count(command.GET_STATUS))
	assert.Len(t, f.sink.statuses, 2)
}

func TestManager_AssertCurrentDataSwallowsErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.sim.InjectFault(podsim.FailBeforeSend)
	before := f.manager.State()

	f.manager.AssertCurrentData(context.Background())
	assert.Empty(t, f.sink.statuses)
	assert.Equal(t, before.LastInsulinMeasurements, f.manager.State().LastInsulinMeasurements)

	// the failed query does not count as a report
	f.manager.AssertCurrentData(context.Background())
	assert.Len(t, f.sink.statuses, 1)
}

func TestManager_ReservoirReading(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, podsim.WithReservoir(30))
	observer := &recordingObserver{}
	f.manager.AddObserver(observer)

	f.manager.AssertCurrentData(context.Background())
	require.Len(t, observer.readings, 1)
	assert.InDelta(t, 30, observer.readings[0].Units, 1e-9)
	assert.InDelta(t, 0.15, observer.readings[0].Level, 1e-9)
	level := f.manager.Status().ReservoirLevel
	require.NotNil(t, level)
	assert.InDelta(t, 0.15, *level, 1e-9)
}

func TestClampLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1.0, clampLevel(250, 200))
	assert.Equal(t, 0.0, clampLevel(-1, 200))
	assert.Equal(t, 0.0, clampLevel(10, 0))
}

func TestManager_RemoveObserverDuringNotification(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	second := &recordingObserver{}
	var secondID ObserverID
	first := &recordingObserver{onChanged: func() {
		f.manager.RemoveObserver(secondID)
	}}
	f.manager.AddObserver(first)
	secondID = f.manager.AddObserver(second)

	require.NoError(t, f.manager.SetTimeZone(context.Background(), time.FixedZone("UTC+2", 2*60*60)))
	assert.Len(t, first.statuses, 1)
	assert.Empty(t, second.statuses)
	assert.Equal(t, "UTC+2", f.manager.Status().TimeZone)
}

func TestManager_Heartbeat(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.manager.DeviceTimerDidTick(context.Background())
	f.manager.DeviceTimerDidTick(context.Background())
	assert.Equal(t, 2, f.sink.heartbeats)
}

func TestManager_Close(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.manager.Close()
	f.manager.Close()

	_, err := f.manager.SuspendDelivery(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	err = f.manager.EnactBolus(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, f.log.count(command.STOP_DELIVERY))
}

func TestManager_SubmissionOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	blocked := make(chan error, 1)
	go func() {
		blocked <- f.manager.do(ctx, "blocker", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var order []string
	var mtx sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := f.manager.do(ctx, "after", func(context.Context) error {
			mtx.Lock()
			order = append(order, "after")
			mtx.Unlock()
			return nil
		})
		assert.NoError(t, err)
	}()

	mtx.Lock()
	order = append(order, "blocker released")
	mtx.Unlock()
	close(release)
	require.NoError(t, <-blocked)
	<-done
	assert.Equal(t, []string{"blocker released", "after"}, order)
}

func TestManager_CancelledSubmission(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	release := make(chan struct{})
	started := make(chan struct{})
	go f.manager.do(context.Background(), "blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.manager.SuspendDelivery(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	close(release)
}

func TestManager_RawState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.manager.EnactTempBasal(ctx, 1, time.Hour)
	require.NoError(t, err)

	raw, err := f.manager.RawState()
	require.NoError(t, err)
	assert.Contains(t, raw, "connection")

	restored, err := NewFromRawState(raw, f.log, f.sink, WithClock(f.clock.Now))
	require.NoError(t, err)
	defer restored.Close()
	assert.Equal(t, f.manager.Status(), restored.Status())
	assert.Equal(t, Connection{Address: "localhost:7001", Timeout: 5 * time.Second}, restored.Connection())
	assert.Equal(t, f.manager.State().MsgSeq, restored.State().MsgSeq)

	delete(raw, "address")
	_, err = NewFromRawState(raw, f.log, f.sink)
	assert.Error(t, err)
}

func TestManager_StateStore(t *testing.T) {
	t.Parallel()
	store := pod.NewStore(filepath.Join(t.TempDir(), "pod.toml"))
	state := pod.NewState(0x17000a2b, time.UTC)
	m, err := New(state, podsim.New(), &fakeSink{}, WithStateStore(store))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.SetTimeZone(context.Background(), time.FixedZone("UTC-5", -5*60*60)))
	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "UTC-5", saved.TimeZone)
	_, offset := time.Date(2021, 6, 1, 0, 0, 0, 0, saved.Location()).Zone()
	assert.Equal(t, -5*60*60, offset)
}

func TestManager_SetBasalSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	ctx := context.Background()
	updated := basal.NewSchedule([]basal.Entry{
		{Index: 0, TimeOffset: 0, Rate: 0.5},
		{Index: 1, TimeOffset: 6 * time.Hour, Rate: 1.2},
	})

	require.NoError(t, f.manager.SetBasalSchedule(ctx, updated))
	assert.False(t, f.manager.Status().IsSuspended)
	stored := f.manager.State().BasalSchedule
	require.NotNil(t, stored)
	assert.Equal(t, updated.Entries, stored.Entries)

	invalid := basal.NewSchedule([]basal.Entry{{Index: 0, TimeOffset: time.Hour, Rate: 1}})
	assert.Error(t, f.manager.SetBasalSchedule(ctx, invalid))
	assert.Equal(t, 1, f.log.count(command.PROGRAM_BASAL))
}
