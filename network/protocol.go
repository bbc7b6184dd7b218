package network

// 消息ID定义
const (
	MsgTypeHeartbeat = 1
	MsgTypeHello     = 2 // 客户端上报玩家ID

	MsgTypeCreateMatch = 101
	MsgTypeJoinMatch   = 102
	MsgTypeSubmitMaze  = 103
	MsgTypeAbandon     = 104

	MsgTypeMove = 201
	MsgTypeChat = 202

	MsgTypeProjection  = 301
	MsgTypeSystemEvent = 302
	MsgTypeChatHistory = 303
	MsgTypeChatMessage = 304
	MsgTypeMoveResult  = 305

	MsgTypeError = 400
)
