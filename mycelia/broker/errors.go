package broker

import "errors"

// ErrBrokerClosed is returned by Publish/PublishCompletion once Close has
// been called, the broker-side signal for a BrokerUnavailable condition.
var ErrBrokerClosed = errors.New("broker: closed")
