package utils

import (
	"testing"

	"evidence-ledger/core/errs"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string  `validate:"required"`
	Score float64 `validate:"gte=0,lte=100"`
}

func TestValidateStructClassifiesErrors(t *testing.T) {
	require.NoError(t, ValidateStruct(sample{Name: "a", Score: 100}))

	err := ValidateStruct(sample{Score: 10})
	require.ErrorIs(t, err, errs.ErrValidation)
	require.NotErrorIs(t, err, errs.ErrOutOfRange)

	err = ValidateStruct(sample{Name: "a", Score: 100.5})
	require.ErrorIs(t, err, errs.ErrOutOfRange)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestDayStartTruncatesToUTCMidnight(t *testing.T) {
	now := NowUTC()
	d := DayStart(now)
	require.Equal(t, 0, d.Hour())
	require.Equal(t, now.Day(), d.Day())
	require.NotEmpty(t, NewID())
}
