package collab

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞主提交流程（Emit 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），避免内存无限增长
// 终态（成功/放弃）回填到事件行的 processed/result 字段，留给离线对账，
// 不在主链路里同步重试（作者此时可能早已下线）。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan CollaborationEvent

	// sem 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	// 终态回写（可为 nil，测试/降级场景）
	events EventStore

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, events EventStore, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan CollaborationEvent, opt.QueueSize),
		sem:         sem,
		events:      events,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.Start()
	return d
}

// Emit：把事件放入本地队列。
// 队列满时直接丢弃并记录（通知不要求强一致性，不是每个事件都必须送达）。
func (d *KafkaDispatcher) Emit(evt CollaborationEvent) {
	select {
	case d.queue <- evt:
	default:
		log.Printf("event queue full, drop event=%s type=%s session=%s", evt.EventID, evt.EventType, evt.SessionToken)
		d.record(evt, false, "queue full, dropped")
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt CollaborationEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			d.record(evt, true, "delivered")
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event=%s type=%s session=%s worker=%d err=%v",
				evt.EventID, evt.EventType, evt.SessionToken, workerID, err)
			d.record(evt, false, "broadcast failed: "+err.Error())
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt CollaborationEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// 以会话 token 做 key，同一会话的事件落同一分区，保序
		Key:   sarama.StringEncoder(evt.SessionToken),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

func (d *KafkaDispatcher) record(evt CollaborationEvent, ok bool, result string) {
	if d.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.events.MarkProcessed(ctx, evt.EventID, ok, result); err != nil {
		log.Printf("mark event processed failed event=%s err=%v", evt.EventID, err)
	}
}
