package trade

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePreparation, StateTakeOfferFeePublished, true},
		{StateDepositTxPrepared, StateDelayedPayoutTxPrepared, true},
		{StateDepositTxPublished, StateDepositTxPrepared, false},
		{StateFiatPaymentStartedReceived, StateDepositTxPublished, false},
		{StatePayoutTxPublishedMsgFailed, StatePayoutTxPublishedMsgArrived, true},
		{StatePayoutTxPublishedMsgArrived, StatePayoutTxPublishedMsgSent, false},
		{StateBuyerSendFailedPaymentStartedMsg, StateBuyerSawArrivedPaymentStartedMsg, true},
		{StateBuyerSentPaymentStartedMsg, StateBuyerConfirmedPaymentStarted, false},
		{StatePreparation, State(200), false},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestSetStateRejectsOtherRolePath(t *testing.T) {
	tr := &Trade{Role: RoleBuyer, State: StatePreparation}
	err := tr.setState(StateDepositTxPrepared)
	require.True(t, errors.Is(err, ErrInvalidTransition))
	require.Equal(t, StatePreparation, tr.State)

	require.NoError(t, tr.setState(StateBuyerSentDepositInputs))
	require.Equal(t, PhaseTakerFeePublished, tr.State.Phase())
}

func TestStateJSONUsesNames(t *testing.T) {
	raw, err := json.Marshal(&Trade{ID: "t", State: StateDelayedPayoutSignatureExchanged})
	require.NoError(t, err)
	require.Contains(t, string(raw), `"state":"DELAYED_PAYOUT_SIGNATURE_EXCHANGED"`)

	var back Trade
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, StateDelayedPayoutSignatureExchanged, back.State)

	require.Error(t, json.Unmarshal([]byte(`{"state":"NOT_A_STATE"}`), &back))
}

func TestCanClose(t *testing.T) {
	tests := []struct {
		name  string
		trade Trade
		want  bool
	}{
		{name: "open", trade: Trade{State: StateDepositTxPublished, DepositTx: &Tx{ID: "d"}}},
		{name: "completed seller", trade: Trade{State: StatePayoutTxPublishedMsgStoredInMailbox}, want: true},
		{name: "completed buyer", trade: Trade{State: StateBuyerReceivedPayoutTxPublishedMsg}, want: true},
		{name: "failed before deposit", trade: Trade{State: StateDelayedPayoutSignatureExchanged, ErrorMessage: "boom"}, want: true},
		{name: "failed after deposit", trade: Trade{State: StateDepositTxPublished, DepositTx: &Tx{ID: "d"}, ErrorMessage: "boom"}},
		{name: "refund closed", trade: Trade{State: StateDepositTxPublished, DepositTx: &Tx{ID: "d"}, DisputeState: DisputeRefundRequestClosed}, want: true},
		{name: "mediation open", trade: Trade{State: StateDepositTxPublished, DepositTx: &Tx{ID: "d"}, DisputeState: DisputeMediationRequested}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := tc.trade
			require.Equal(t, tc.want, tr.CanClose())
		})
	}
}

func TestTermsValidate(t *testing.T) {
	require.NoError(t, testTerms().Validate())

	bad := testTerms()
	bad.LockTime = 0
	require.Error(t, bad.Validate())

	bad = testTerms()
	bad.Currency = " "
	require.Error(t, bad.Validate())

	require.Equal(t, int64(13_005_000), testTerms().MultiSigAmount())
	require.Equal(t, int64(11_500_000), testTerms().BuyerPayout())
}
