package hedgedb

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func testContract(id int64) *Contract {
	return &Contract{
		ID:             id,
		UserPubKey:     "02deadbeef",
		DepositAddress: "tb1p...",
		Direction:      DirectionLong,
		AmountSat:      btcutil.Amount(100_000),
		Status:         StatusCreated,
		CreatedAt:      time.Unix(1700000000, 0).UTC(),
	}
}

// TestContractRoundTrip asserts contracts survive the store unchanged.
func TestContractRoundTrip(t *testing.T) {
	store := testStore(t)

	contract := testContract(7)
	contract.LogEvent(time.Unix(1700000100, 0).UTC(), "created")

	require.NoError(t, store.PutContract(contract))

	fetched, err := store.FetchContract(7)
	require.NoError(t, err)
	require.Equal(t, contract, fetched)

	_, err = store.FetchContract(8)
	require.ErrorIs(t, err, ErrContractNotFound)
}

// TestFetchContractsOrder asserts listing returns most recent ids first.
func TestFetchContractsOrder(t *testing.T) {
	store := testStore(t)

	for _, id := range []int64{3, 1, 2} {
		require.NoError(t, store.PutContract(testContract(id)))
	}

	contracts, err := store.FetchContracts()
	require.NoError(t, err)
	require.Len(t, contracts, 3)
	require.Equal(t, int64(3), contracts[0].ID)
	require.Equal(t, int64(2), contracts[1].ID)
	require.Equal(t, int64(1), contracts[2].ID)
}

// TestUpdateStatus asserts status updates keep the rest of the record.
func TestUpdateStatus(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.PutContract(testContract(1)))
	require.NoError(t, store.UpdateStatus(
		1, StatusWaitingUserSig, "aabbcc",
	))

	fetched, err := store.FetchContract(1)
	require.NoError(t, err)
	require.Equal(t, StatusWaitingUserSig, fetched.Status)
	require.Equal(t, "aabbcc", fetched.PendingTxHex)
	require.Equal(t, btcutil.Amount(100_000), fetched.AmountSat)

	require.ErrorIs(t, store.UpdateStatus(99, StatusMatched, ""),
		ErrContractNotFound)
}

// TestDeleteContract asserts deletion removes the record.
func TestDeleteContract(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.PutContract(testContract(4)))
	require.NoError(t, store.DeleteContract(4))

	_, err := store.FetchContract(4)
	require.ErrorIs(t, err, ErrContractNotFound)
}

// TestLogEventOrder asserts the event log keeps most recent entries first.
func TestLogEventOrder(t *testing.T) {
	contract := testContract(1)

	t0 := time.Unix(1700000000, 0)
	contract.LogEvent(t0, "first")
	contract.LogEvent(t0.Add(time.Minute), "second")

	require.Len(t, contract.EventLog, 2)
	require.Equal(t, "second", contract.EventLog[0].Text)
	require.Equal(t, "first", contract.EventLog[1].Text)
}
