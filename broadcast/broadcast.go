// broadcast/broadcast.go
package broadcast

import (
	"encoding/json"

	"github.com/wfunc/labyrinth/logger"
	"github.com/wfunc/labyrinth/models"
	"github.com/wfunc/labyrinth/network"
	"github.com/wfunc/labyrinth/session"
	"github.com/wfunc/labyrinth/state"
)

// Notifier 引擎提交后对外发布用户可见事件的出口。
// 投递语义是至少一次，消费端按事件ID去重。
type Notifier interface {
	NotifyEvent(matchID string, ev state.Event)
	NotifyChat(matchID string, msg models.ChatMessage)
}

// SessionNotifier 把事件推给正在观战该比赛的所有websocket连接
type SessionNotifier struct {
	sessionManager *session.Manager
}

func NewSessionNotifier(sessionManager *session.Manager) *SessionNotifier {
	return &SessionNotifier{sessionManager: sessionManager}
}

func (n *SessionNotifier) NotifyEvent(matchID string, ev state.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Log.Errorf("marshal event %s: %v", ev.ID, err)
		return
	}
	for _, s := range n.sessionManager.GetByMatchID(matchID) {
		if err := s.Send(network.MsgTypeSystemEvent, data); err != nil {
			// 发送失败的连接由读循环负责清理
			continue
		}
	}
}

func (n *SessionNotifier) NotifyChat(matchID string, msg models.ChatMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Log.Errorf("marshal chat %s: %v", msg.ID, err)
		return
	}
	for _, s := range n.sessionManager.GetByMatchID(matchID) {
		if err := s.Send(network.MsgTypeChatMessage, data); err != nil {
			continue
		}
	}
}
