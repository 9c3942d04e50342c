package model

import "time"

// QueueMessage 表示队列中的一条消息
type QueueMessage struct {
	ID         string            `json:"id"`                   // 消息唯一ID
	Topic      string            `json:"topic"`                // 所属主题
	Payload    []byte            `json:"payload"`              // 不透明的消息内容，由调用方解释
	Metadata   map[string]string `json:"metadata,omitempty"`   // 消息元数据
	EnqueuedAt time.Time         `json:"enqueued_at"`          // 入队时间
	NotBefore  time.Time         `json:"not_before,omitempty"` // 最早可投递时间（延迟投递或退避期限）
	Attempts   int               `json:"attempts"`             // 已尝试投递次数
	MaxRetries int               `json:"max_retries"`          // 最大重试次数
}

// Clone 返回消息的深拷贝，队列对外只暴露拷贝
func (m *QueueMessage) Clone() *QueueMessage {
	clone := *m

	if m.Payload != nil {
		clone.Payload = make([]byte, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}

	if m.Metadata != nil {
		clone.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}

	return &clone
}

// TopicStats 表示单个主题的队列统计
type TopicStats struct {
	Pending      int `json:"pending"`       // 等待首次投递的消息数
	Retrying     int `json:"retrying"`      // 等待重试的消息数
	DeadLettered int `json:"dead_lettered"` // 死信消息数
}
