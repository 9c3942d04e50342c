package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-runtime/internal/core/config"
	"github.com/hewenyu/mesh-runtime/internal/core/model"
	"github.com/hewenyu/mesh-runtime/internal/mesh/event"
	"github.com/hewenyu/mesh-runtime/internal/store/etcd"
)

// 队列消息在外部存储中的前缀
const messagePrefix = "/mesh/queue/"

// Handler 表示消息投递处理函数
type Handler func(ctx context.Context, msg *model.QueueMessage) error

// PublishOptions 表示发布消息时的可选参数
type PublishOptions struct {
	// Delay 延迟投递时间，大于0时消息在该时间后才可投递
	Delay time.Duration

	// MaxRetries 最大重试次数，为nil时使用配置的默认值
	MaxRetries *int

	// Metadata 消息元数据
	Metadata map[string]string
}

// subscription 表示一个主题订阅
type subscription struct {
	id string
	fn Handler
}

// topicState 维护单个主题的消息列表
// 一条消息任一时刻只会出现在pending和dead中的一个
type topicState struct {
	pending []*model.QueueMessage
	dead    []*model.QueueMessage
}

// Queue 表示主题消息队列
// 支持延迟投递、指数退避重试和死信，投递循环在后台以固定间隔运行
type Queue struct {
	cfg    *config.QueueConfig
	store  *etcd.Client // 可选，为nil时消息不做持久化
	logger config.Logger
	bus    *event.Bus

	mu     sync.Mutex
	topics map[string]*topicState
	subs   map[string][]subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue 创建一个新的消息队列并启动投递循环和保留清理循环
func NewQueue(cfg *config.QueueConfig, store *etcd.Client, logger config.Logger, bus *event.Bus) *Queue {
	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		cfg:    cfg,
		store:  store,
		logger: logger,
		bus:    bus,
		topics: make(map[string]*topicState),
		subs:   make(map[string][]subscription),
		cancel: cancel,
	}

	// 恢复上一个进程遗留的未投递消息，随后再启动投递循环
	q.restoreFromStore(ctx)

	q.wg.Add(2)
	go q.deliveryLoop(ctx)
	go q.cleanupLoop(ctx)

	return q
}

// Stop 停止后台循环，等待进行中的投递完成后返回
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()
}

// Publish 向主题发布一条消息，返回消息ID
func (q *Queue) Publish(ctx context.Context, topic string, payload []byte, opts *PublishOptions) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("主题不能为空")
	}

	if opts == nil {
		opts = &PublishOptions{}
	}

	maxRetries := q.cfg.DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	now := time.Now()
	msg := &model.QueueMessage{
		ID:         uuid.New().String(),
		Topic:      topic,
		Payload:    payload,
		Metadata:   opts.Metadata,
		EnqueuedAt: now,
		MaxRetries: maxRetries,
	}
	if opts.Delay > 0 {
		msg.NotBefore = now.Add(opts.Delay)
	}

	q.mu.Lock()
	state := q.topicState(topic)
	state.pending = append(state.pending, msg)
	q.mu.Unlock()

	// 持久化仅做最大努力，失败不影响内存队列
	q.persist(ctx, msg)

	q.bus.Publish(event.Event{
		Kind:      event.MessagePublished,
		Topic:     topic,
		MessageID: msg.ID,
	})

	return msg.ID, nil
}

// Subscribe 注册主题处理函数，返回订阅ID
func (q *Queue) Subscribe(topic string, fn Handler) string {
	id := uuid.New().String()

	q.mu.Lock()
	q.subs[topic] = append(q.subs[topic], subscription{id: id, fn: fn})
	q.mu.Unlock()

	return id
}

// Unsubscribe 移除主题订阅，订阅ID为空时清除该主题的所有订阅
func (q *Queue) Unsubscribe(topic, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if id == "" {
		delete(q.subs, topic)
		return
	}

	subs := q.subs[topic]
	for i, sub := range subs {
		if sub.id == id {
			q.subs[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(q.subs[topic]) == 0 {
		delete(q.subs, topic)
	}
}

// ReprocessDeadLetter 将死信消息重新放回其主题的待投递列表
// 重置尝试次数并清除退避期限，消息ID不在死信中时返回false
func (q *Queue) ReprocessDeadLetter(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, state := range q.topics {
		for i, msg := range state.dead {
			if msg.ID != id {
				continue
			}
			state.dead = append(state.dead[:i], state.dead[i+1:]...)
			msg.Attempts = 0
			msg.NotBefore = time.Time{}
			state.pending = append(state.pending, msg)
			return true
		}
	}

	return false
}

// Stats 返回每个主题的队列统计
func (q *Queue) Stats() map[string]model.TopicStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[string]model.TopicStats, len(q.topics))
	for topic, state := range q.topics {
		var s model.TopicStats
		for _, msg := range state.pending {
			if msg.Attempts == 0 {
				s.Pending++
			} else {
				s.Retrying++
			}
		}
		s.DeadLettered = len(state.dead)
		stats[topic] = s
	}

	return stats
}

// DeadLetters 返回主题的死信消息拷贝，供检视
func (q *Queue) DeadLetters(topic string) []*model.QueueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, ok := q.topics[topic]
	if !ok {
		return nil
	}

	result := make([]*model.QueueMessage, 0, len(state.dead))
	for _, msg := range state.dead {
		result = append(result, msg.Clone())
	}

	return result
}

// topicState 获取或创建主题状态，调用方必须持有锁
func (q *Queue) topicState(topic string) *topicState {
	state, ok := q.topics[topic]
	if !ok {
		state = &topicState{}
		q.topics[topic] = state
	}
	return state
}

// deliveryLoop 投递循环，以固定间隔扫描可投递消息
// 单次扫描串行执行，不会出现重叠的投递轮次
func (q *Queue) deliveryLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.DeliveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.deliverDue(ctx)
		}
	}
}

// dueBatch 表示一次扫描中某个主题的可投递消息及其处理函数
type dueBatch struct {
	topic    string
	messages []*model.QueueMessage
	handlers []Handler
}

// deliverDue 执行一次投递扫描
func (q *Queue) deliverDue(ctx context.Context) {
	now := time.Now()

	// 取出可投递消息，投递期间不持有锁
	q.mu.Lock()
	var batches []dueBatch
	for topic, state := range q.topics {
		subs := q.subs[topic]
		if len(subs) == 0 || len(state.pending) == 0 {
			continue
		}

		var due, rest []*model.QueueMessage
		for _, msg := range state.pending {
			if msg.NotBefore.IsZero() || !msg.NotBefore.After(now) {
				due = append(due, msg)
			} else {
				rest = append(rest, msg)
			}
		}
		if len(due) == 0 {
			continue
		}
		state.pending = rest

		handlers := make([]Handler, len(subs))
		for i, sub := range subs {
			handlers[i] = sub.fn
		}
		batches = append(batches, dueBatch{topic: topic, messages: due, handlers: handlers})
	}
	q.mu.Unlock()

	for _, batch := range batches {
		for _, msg := range batch.messages {
			q.deliver(ctx, batch.topic, msg, batch.handlers)
		}
	}
}

// deliver 向主题的所有处理函数并发投递一条消息
// 所有处理函数都成功才算投递成功，任一失败则安排重试或进入死信
func (q *Queue) deliver(ctx context.Context, topic string, msg *model.QueueMessage, handlers []Handler) {
	var wg sync.WaitGroup
	errs := make([]error, len(handlers))

	for i, fn := range handlers {
		wg.Add(1)
		go func(i int, fn Handler) {
			defer wg.Done()
			errs[i] = fn(ctx, msg.Clone())
		}(i, fn)
	}
	wg.Wait()

	var deliveryErr error
	for _, err := range errs {
		if err != nil {
			deliveryErr = err
			break
		}
	}

	if deliveryErr == nil {
		q.onDelivered(ctx, topic, msg)
		return
	}

	q.onFailed(topic, msg, deliveryErr)
}

// onDelivered 处理投递成功的消息
func (q *Queue) onDelivered(ctx context.Context, topic string, msg *model.QueueMessage) {
	if q.store != nil {
		if err := q.store.Delete(ctx, messageKey(topic, msg.ID)); err != nil {
			q.logger.Warn("从外部存储删除消息失败", zap.String("id", msg.ID), zap.Error(err))
		}
	}

	q.bus.Publish(event.Event{
		Kind:      event.MessageProcessed,
		Topic:     topic,
		MessageID: msg.ID,
	})
}

// onFailed 处理投递失败的消息，安排重试或移入死信
// 消息一旦放回共享列表即归列表所有，通知和日志只使用放回前捕获的字段
func (q *Queue) onFailed(topic string, msg *model.QueueMessage, deliveryErr error) {
	msg.Attempts++
	id, attempts := msg.ID, msg.Attempts

	if attempts >= msg.MaxRetries {
		q.mu.Lock()
		state := q.topicState(topic)
		state.dead = append(state.dead, msg)
		q.mu.Unlock()

		q.bus.Publish(event.Event{
			Kind:      event.MessageDeadLettered,
			Topic:     topic,
			MessageID: id,
			Detail:    deliveryErr.Error(),
		})

		q.logger.Warn("消息重试次数耗尽，已移入死信队列",
			zap.String("topic", topic),
			zap.String("id", id),
			zap.Int("attempts", attempts),
			zap.Error(deliveryErr))
		return
	}

	msg.NotBefore = time.Now().Add(retryBackoff(q.cfg.RetryBaseDelay, attempts))

	q.mu.Lock()
	state := q.topicState(topic)
	state.pending = append(state.pending, msg)
	q.mu.Unlock()

	q.bus.Publish(event.Event{
		Kind:      event.MessageRetried,
		Topic:     topic,
		MessageID: id,
		Detail:    deliveryErr.Error(),
	})
}

// 退避指数的上限，防止位移溢出
const maxBackoffShift = 16

// retryBackoff 计算第attempts次失败后的指数退避延迟: baseDelay * 2^(attempts-1)
func retryBackoff(base time.Duration, attempts int) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base * time.Duration(1<<shift)
}

// cleanupLoop 保留清理循环，丢弃超过保留窗口的消息
// 即使主题没有订阅者，内存占用也因此有界
func (q *Queue) cleanupLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dropExpired()
		}
	}
}

// dropExpired 执行一次保留清理
func (q *Queue) dropExpired() {
	cutoff := time.Now().Add(-q.cfg.Retention)
	dropped := 0

	q.mu.Lock()
	for _, state := range q.topics {
		state.pending, dropped = dropOlder(state.pending, cutoff, dropped)
		state.dead, dropped = dropOlder(state.dead, cutoff, dropped)
	}
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info("已丢弃超过保留窗口的消息", zap.Int("count", dropped))
	}
}

// dropOlder 移除入队时间早于cutoff的消息
func dropOlder(messages []*model.QueueMessage, cutoff time.Time, dropped int) ([]*model.QueueMessage, int) {
	kept := messages[:0]
	for _, msg := range messages {
		if msg.EnqueuedAt.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, msg)
	}
	return kept, dropped
}

// messageKey 生成消息在外部存储中的键
func messageKey(topic, id string) string {
	return messagePrefix + topic + "/" + id
}

// restoreFromStore 从外部存储恢复未投递的消息，进程重启后消息不丢失
// 只在构造时调用一次，恢复失败不影响队列启动
func (q *Queue) restoreFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}

	entries, err := q.store.GetWithPrefix(ctx, messagePrefix)
	if err != nil {
		q.logger.Warn("从外部存储恢复消息失败", zap.Error(err))
		return
	}

	restored := 0
	q.mu.Lock()
	for key, data := range entries {
		var msg model.QueueMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			q.logger.Warn("反序列化消息失败", zap.String("key", key), zap.Error(err))
			continue
		}
		state := q.topicState(msg.Topic)
		state.pending = append(state.pending, &msg)
		restored++
	}
	q.mu.Unlock()

	if restored > 0 {
		q.logger.Info("已从外部存储恢复未投递消息", zap.Int("count", restored))
	}
}

// persist 将消息写入外部存储，失败只记录日志
func (q *Queue) persist(ctx context.Context, msg *model.QueueMessage) {
	if q.store == nil {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		q.logger.Warn("序列化消息失败", zap.String("id", msg.ID), zap.Error(err))
		return
	}

	if err := q.store.PutWithTTL(ctx, messageKey(msg.Topic, msg.ID), data, q.cfg.Retention); err != nil {
		q.logger.Warn("消息写入外部存储失败，队列继续以内存数据为准",
			zap.String("id", msg.ID),
			zap.Error(err))
	}
}
