package broker

import (
	"github.com/quantgully/tradefabric/types"
)

// Port is the broker surface the fabric depends on. Two implementations:
// the HTTP gateway client for live trading and the paper broker for dry
// runs and tests.
type Port interface {
	PlaceMarketOrder(req types.OrderRequest) (orderID string, err error)
	FetchOrderBook() ([]types.BrokerOrder, error)
}
