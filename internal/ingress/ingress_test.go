package ingress

import (
	"context"
	"strconv"
	"testing"
	"time"

	"CMMPayWatch/internal/engine"
	"CMMPayWatch/internal/models"
	"CMMPayWatch/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct{ calls int }

func (r *recorder) NotifyCompleted(ctx context.Context, c models.Completion) error {
	r.calls++
	return nil
}

func setup(t *testing.T) (*Ingress, *store.Memory, *recorder, *observer.ObservedLogs) {
	t.Helper()
	repo := store.NewMemory()
	require.NoError(t, repo.CreateOrder(context.Background(), &models.OrderPaymentRecord{
		OrderID:               "42",
		ReceivingAddress:      "tShop",
		SecretKey:             "s3cret",
		RequiredTotal:         1_000_000_000,
		ConfirmationsRequired: 3,
		CreatedAt:             time.Now().UTC(),
	}))
	core, logs := observer.New(zap.InfoLevel)
	n := &recorder{}
	eng := engine.New(repo, nil, n, zap.New(core))
	return New(repo, eng, "bcinfo", zap.New(core)), repo, n, logs
}

func note(hash string, value int64, confs int) Notification {
	return Notification{
		OrderID:       "42",
		SecretKey:     "s3cret",
		Origin:        "bcinfo",
		TxHash:        hash,
		Value:         strconv.FormatInt(value, 10),
		Confirmations: strconv.Itoa(confs),
		Address:       "tShop",
	}
}

func TestReceiveAppliesAndAcks(t *testing.T) {
	in, repo, n, _ := setup(t)
	ctx := context.Background()

	ack, err := in.Receive(ctx, note("a", 600_000_000, 3))
	require.NoError(t, err)
	assert.Equal(t, AckOK, ack)

	ack, err = in.Receive(ctx, note("b", 400_000_000, 4))
	require.NoError(t, err)
	assert.Equal(t, AckOK, ack)

	rec, err := repo.GetOrder(ctx, "42")
	require.NoError(t, err)
	assert.True(t, rec.Completed)
	assert.Equal(t, "10.00000000", rec.PaidTotal.String())
	in.engine.(*engine.Engine).Wait()
	assert.Equal(t, 1, n.calls)
}

func TestReceiveWrongSecretNeverMutates(t *testing.T) {
	in, repo, _, logs := setup(t)
	ctx := context.Background()

	bad := note("a", 1_000_000_000, 6)
	bad.SecretKey = "guess"
	ack, err := in.Receive(ctx, bad)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, AckRejected, ack)

	rec, err := repo.GetOrder(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, rec.ReceivedTransactions)
	assert.Empty(t, repo.Sightings("42"))

	// the expected secret never reaches the log
	for _, entry := range logs.All() {
		for _, f := range entry.Context {
			assert.NotContains(t, f.String, "s3cret")
			if f.Interface != nil {
				if e, ok := f.Interface.(error); ok {
					assert.NotContains(t, e.Error(), "s3cret")
				}
			}
		}
	}
}

func TestReceiveOriginMismatch(t *testing.T) {
	in, repo, _, _ := setup(t)
	n := note("a", 1_000_000_000, 6)
	n.Origin = "somewhere"
	ack, err := in.Receive(context.Background(), n)
	assert.ErrorIs(t, err, ErrOriginMismatch)
	assert.Equal(t, AckRejected, ack)

	rec, err := repo.GetOrder(context.Background(), "42")
	require.NoError(t, err)
	assert.Empty(t, rec.ReceivedTransactions)
}

func TestReceiveUnderConfirmedIsPending(t *testing.T) {
	in, repo, _, _ := setup(t)
	ctx := context.Background()

	ack, err := in.Receive(ctx, note("a", 1_000_000_000, 2))
	assert.ErrorIs(t, err, engine.ErrUnderConfirmed)
	assert.Equal(t, AckPending, ack)

	rec, err := repo.GetOrder(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, rec.ReceivedTransactions)
	assert.False(t, rec.Completed)

	sightings := repo.Sightings("42")
	require.Len(t, sightings, 1)
	assert.Equal(t, "a", sightings[0].TxHash)
	assert.Equal(t, "bcinfo", sightings[0].Origin)
	assert.Equal(t, int64(2), sightings[0].Confirmations)
}

func TestReceiveMalformedAndUnknown(t *testing.T) {
	in, _, _, _ := setup(t)
	ctx := context.Background()

	cases := map[string]func(*Notification){
		"missing hash":     func(n *Notification) { n.TxHash = "" },
		"negative value":   func(n *Notification) { n.Value = "-1" },
		"decimal value":    func(n *Notification) { n.Value = "1.5" },
		"missing value":    func(n *Notification) { n.Value = "" },
		"bad confirmation": func(n *Notification) { n.Confirmations = "many" },
		"missing order":    func(n *Notification) { n.OrderID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			n := note("a", 100, 6)
			mutate(&n)
			ack, err := in.Receive(ctx, n)
			assert.ErrorIs(t, err, engine.ErrMalformedEvent)
			assert.Equal(t, AckRejected, ack)
		})
	}

	n := note("a", 100, 6)
	n.OrderID = "missing"
	ack, err := in.Receive(ctx, n)
	assert.ErrorIs(t, err, engine.ErrUnknownOrder)
	assert.Equal(t, AckRejected, ack)
}
