package wire

// Op is a gateway operation name carried in the n field.
type Op string

const (
	OpAuthenticateUser       Op = "AuthenticateUser"
	OpPing                   Op = "Ping"
	OpSubscribeLevel1        Op = "SubscribeLevel1"
	OpUnsubscribeLevel1      Op = "UnSubscribeLevel1"
	OpLevel1UpdateEvent      Op = "Level1UpdateEvent"
	OpSubscribeLevel2        Op = "SubscribeLevel2"
	OpUnsubscribeLevel2      Op = "UnSubscribeLevel2"
	OpLevel2UpdateEvent      Op = "Level2UpdateEvent"
	OpSubscribeTrades        Op = "SubscribeTrades"
	OpUnsubscribeTrades      Op = "UnSubscribeTrades"
	OpTradeDataUpdateEvent   Op = "TradeDataUpdateEvent"
	OpSubscribeTicker        Op = "SubscribeTicker"
	OpUnsubscribeTicker      Op = "UnSubscribeTicker"
	OpTickerDataUpdateEvent  Op = "TickerDataUpdateEvent"
	OpSubscribeAccountEvents Op = "SubscribeAccountEvents"
	OpAccountPositionEvent   Op = "AccountPositionEvent"
	OpOrderStateEvent        Op = "OrderStateEvent"
	OpOrderTradeEvent        Op = "OrderTradeEvent"
)
