package domain

import (
	"encoding/json"
	"fmt"
)

// DecodeEvent rebuilds a typed event from its wire type and JSON payload.
func DecodeEvent(t EventType, data []byte) (Event, error) {
	var ev Event
	var err error
	switch t {
	case EventTrade:
		var e TradeEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventParlay:
		var e ParlayEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventDeposit, EventWithdrawal:
		var e DepositEvent
		err = json.Unmarshal(data, &e)
		e.Withdraw = t == EventWithdrawal
		ev = e
	case EventRound:
		var e RoundEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventMarket:
		var e MarketEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventClaim:
		var e ClaimEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventConfigChanged:
		var e ConfigEvent
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrValidation, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", t, err)
	}
	return ev, nil
}
