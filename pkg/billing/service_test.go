package billing

import (
	"errors"
	"testing"
	"time"
)

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	clock := func() time.Time { return time.Unix(0, 0) }
	fees := &ConfiguredFeePolicy{}
	testCases := []struct {
		name    string
		store   Store
		clock   func() time.Time
		fees    FeePolicy
		options []ServiceOption
	}{
		{name: "nil store", clock: clock, fees: fees},
		{name: "nil clock", store: nopStore{}, fees: fees},
		{name: "nil fees", store: nopStore{}, clock: clock},
		{name: "nil selection policy", store: nopStore{}, clock: clock, fees: fees, options: []ServiceOption{WithWalletSelectionPolicy(nil)}},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			_, err := NewService(testCase.store, testCase.clock, testCase.fees, testCase.options...)
			if !errors.Is(err, ErrInvalidServiceConfig) {
				test.Fatalf("expected %v, got %v", ErrInvalidServiceConfig, err)
			}
		})
	}
}

func TestNewServiceDefaultsBatchWorkers(test *testing.T) {
	test.Parallel()
	service, err := NewService(nopStore{}, time.Now, &ConfiguredFeePolicy{}, WithBatchOptions(BatchOptions{Workers: 0}), nil)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	if service.batch.Workers != defaultBatchWorkers {
		test.Fatalf("expected %d workers, got %d", defaultBatchWorkers, service.batch.Workers)
	}
}

type nopStore struct {
	Store
}
