package actuator

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/field"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region harness
func startBufconn(t *testing.T, dev Device) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterServer(srv, dev)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type faultyDevice struct{}

func (faultyDevice) Apply(context.Context, field.Command) error { return errors.New("coil fault") }
func (faultyDevice) Deenergize(context.Context) error           { return errors.New("relay stuck") }

type mockService struct {
	applyErr  error
	offResp   *structpb.Struct
	offErr    error
	lastApply *structpb.Struct
}

func (m *mockService) Apply(_ context.Context, in *structpb.Struct, _ ...grpc.CallOption) (*emptypb.Empty, error) {
	m.lastApply = in
	return &emptypb.Empty{}, m.applyErr
}

func (m *mockService) Deenergize(_ context.Context, _ *emptypb.Empty, _ ...grpc.CallOption) (*structpb.Struct, error) {
	return m.offResp, m.offErr
}

// #endregion harness

// #region grpc-tests
func TestClientServerRoundTrip(t *testing.T) {
	sim := NewSimulated(time.Millisecond)
	c := startBufconn(t, sim)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	cmd := field.Command{SessionID: "s-1", Waypoint: 3, State: field.NewState([]float64{1e-16, 0, 2.5e-16}, ts)}
	require.NoError(t, c.Apply(ctx, cmd))

	got := sim.Applied()
	require.Len(t, got, 1)
	assert.Equal(t, "s-1", got[0].SessionID)
	assert.Equal(t, 3, got[0].Waypoint)
	assert.Equal(t, cmd.State.Components, got[0].State.Components)
	assert.True(t, ts.Equal(got[0].State.Timestamp))
	assert.True(t, sim.Energized())

	require.NoError(t, c.Deenergize(ctx))
	assert.False(t, sim.Energized())
}

func TestServerSurfacesDeviceErrors(t *testing.T) {
	c := startBufconn(t, faultyDevice{})
	ctx := context.Background()

	err := c.Apply(ctx, field.Command{State: field.State{Components: []float64{1}}})
	assert.ErrorContains(t, err, "coil fault")

	err = c.Deenergize(ctx)
	assert.ErrorContains(t, err, "relay stuck")
}

// #endregion grpc-tests

// #region client-tests
func TestClientRejectsUnconfirmedOff(t *testing.T) {
	off, err := structpb.NewStruct(map[string]any{"off": false})
	require.NoError(t, err)
	c := NewClientWithService(&mockService{offResp: off})

	assert.ErrorIs(t, c.Deenergize(context.Background()), ErrNotConfirmed)
	assert.NoError(t, c.Close())
}

func TestClientRefusesNonFiniteCommand(t *testing.T) {
	m := &mockService{}
	c := NewClientWithService(m)

	err := c.Apply(context.Background(), field.Command{State: field.State{Components: []float64{1, math.Inf(1)}}})
	assert.Error(t, err)
	assert.Nil(t, m.lastApply)
}

func TestDecodeRejectsMalformedCommand(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"components": []any{"x"}})
	require.NoError(t, err)
	_, err = decodeCommand(s)
	assert.Error(t, err)

	_, err = decodeCommand(&structpb.Struct{})
	assert.Error(t, err)
}

// #endregion client-tests

// #region simulated-tests
func TestSimulatedFailsThenConfirms(t *testing.T) {
	sim := NewSimulated(0)
	sim.FailNext(2)
	ctx := context.Background()

	assert.Error(t, sim.Deenergize(ctx))
	assert.Error(t, sim.Deenergize(ctx))
	assert.NoError(t, sim.Deenergize(ctx))
	assert.Equal(t, 3, sim.DeenergizeCalls())
}

func TestSimulatedDeenergizeHonorsContext(t *testing.T) {
	sim := NewSimulated(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sim.Deenergize(ctx), context.Canceled)
}

func TestTapFollowsDevice(t *testing.T) {
	sim := NewSimulated(0)
	tap := NewTap(sim, safety.OrganLevel)
	ctx := context.Background()

	_, _, ok := tap.Sample(ctx)
	assert.False(t, ok)

	require.NoError(t, tap.Apply(ctx, field.Command{State: field.State{Components: []float64{2e-11}}}))
	st, level, ok := tap.Sample(ctx)
	require.True(t, ok)
	assert.Equal(t, safety.OrganLevel, level)
	assert.Equal(t, []float64{2e-11}, st.Components)
	assert.True(t, sim.Energized())

	sim.FailNext(1)
	require.Error(t, tap.Deenergize(ctx))
	_, _, ok = tap.Sample(ctx)
	assert.True(t, ok, "unconfirmed off keeps the last field")

	require.NoError(t, tap.Deenergize(ctx))
	_, _, ok = tap.Sample(ctx)
	assert.False(t, ok)
}

// heldDevice holds every Apply until release is closed, then applies regardless of ctx.
type heldDevice struct {
	*Simulated
	entered chan struct{}
	release chan struct{}
}

func (h *heldDevice) Apply(_ context.Context, cmd field.Command) error {
	close(h.entered)
	<-h.release
	return h.Simulated.Apply(context.Background(), cmd)
}

func TestTapLatchesOffUntilRearm(t *testing.T) {
	sim := NewSimulated(0)
	tap := NewTap(sim, safety.CellularSafe)
	ctx := context.Background()
	cmd := field.Command{State: field.State{Components: []float64{1e-16}}}

	require.NoError(t, tap.Apply(ctx, cmd))
	require.NoError(t, tap.Deenergize(ctx))
	assert.True(t, tap.Latched())

	assert.ErrorIs(t, tap.Apply(ctx, cmd), ErrLatched)
	assert.False(t, sim.Energized())
	assert.Len(t, sim.Applied(), 1)

	tap.Rearm()
	require.NoError(t, tap.Apply(ctx, cmd))
	assert.True(t, sim.Energized())
}

func TestTapDeenergizeOutlastsInFlightApply(t *testing.T) {
	dev := &heldDevice{Simulated: NewSimulated(0), entered: make(chan struct{}), release: make(chan struct{})}
	tap := NewTap(dev, safety.CellularSafe)
	ctx := context.Background()

	applied := make(chan error, 1)
	go func() {
		applied <- tap.Apply(ctx, field.Command{State: field.State{Components: []float64{1e-16}}})
	}()
	<-dev.entered

	off := make(chan error, 1)
	go func() { off <- tap.Deenergize(ctx) }()

	select {
	case <-off:
		t.Fatal("deenergize confirmed while an apply could still land")
	case <-time.After(20 * time.Millisecond):
	}

	close(dev.release)
	assert.ErrorIs(t, <-applied, ErrLatched)
	require.NoError(t, <-off)

	assert.False(t, dev.Energized())
	assert.Equal(t, 2, dev.DeenergizeCalls())
	_, _, ok := tap.Sample(ctx)
	assert.False(t, ok)
}

func TestTapDeenergizeHonorsContextWhileDraining(t *testing.T) {
	dev := &heldDevice{Simulated: NewSimulated(0), entered: make(chan struct{}), release: make(chan struct{})}
	tap := NewTap(dev, safety.CellularSafe)

	applied := make(chan error, 1)
	go func() {
		applied <- tap.Apply(context.Background(), field.Command{State: field.State{Components: []float64{1e-16}}})
	}()
	<-dev.entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tap.Deenergize(ctx), context.DeadlineExceeded)

	close(dev.release)
	assert.ErrorIs(t, <-applied, ErrLatched)
}

func TestTapOverGRPC(t *testing.T) {
	sim := NewSimulated(0)
	tap := NewTap(startBufconn(t, sim), safety.TissueStandard)
	ctx := context.Background()

	require.NoError(t, tap.Apply(ctx, field.Command{SessionID: "s", State: field.State{Components: []float64{1e-13}}}))
	_, _, ok := tap.Sample(ctx)
	assert.True(t, ok)
	require.NoError(t, tap.Deenergize(ctx))
	_, _, ok = tap.Sample(ctx)
	assert.False(t, ok)
}

// #endregion simulated-tests
