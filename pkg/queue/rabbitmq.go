package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange 任务事件 exchange（topic 类型，路由键 job.<id>）
const DefaultExchange = "voiceflow.job-events"

func declareExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}

// RabbitMQSource 订阅一个任务的 RabbitMQ 事件
// 每个订阅声明一个独占的临时队列，绑定到 job.<id>
type RabbitMQSource struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	out  chan Delivery
	quit chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

// NewRabbitMQSource 连接 RabbitMQ 并开始消费 jobID 的事件
func NewRabbitMQSource(url, exchange, jobID string) (*RabbitMQSource, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ Channel 失败: %w", err)
	}

	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 exchange 失败: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // name: 由服务端生成
		false, // durable
		true,  // autoDelete
		true,  // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明队列失败: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(jobID), exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("绑定队列失败: %w", err)
	}

	// 事件必须按顺序处理，一次只取一条
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("设置 QoS 失败: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name, // queue
		"",     // consumer tag
		false,  // autoAck: 手动确认
		true,   // exclusive
		false,  // noLocal
		false,  // noWait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("启动消费失败: %w", err)
	}

	s := &RabbitMQSource{
		conn: conn,
		ch:   ch,
		out:  make(chan Delivery),
		quit: make(chan struct{}),
	}
	go s.pump(deliveries)

	log.Printf("✓ RabbitMQ 事件订阅已启动 (routing key: %s)", RoutingKey(jobID))
	return s, nil
}

// pump 转发消息，交给使用方之后再 Ack
func (s *RabbitMQSource) pump(deliveries <-chan amqp.Delivery) {
	defer close(s.out)

	for {
		select {
		case <-s.quit:
			s.setErr(ErrClosed)
			return
		case d, ok := <-deliveries:
			if !ok {
				s.setErr(fmt.Errorf("RabbitMQ 消费通道已关闭"))
				return
			}
			select {
			case s.out <- Delivery{ID: d.MessageId, Payload: d.Body}:
				if err := d.Ack(false); err != nil {
					log.Printf("⚠️  确认消息失败: %v", err)
				}
			case <-s.quit:
				d.Nack(false, true)
				s.setErr(ErrClosed)
				return
			}
		}
	}
}

func (s *RabbitMQSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Deliveries 事件通道
func (s *RabbitMQSource) Deliveries() <-chan Delivery {
	return s.out
}

// Err 结束原因
func (s *RabbitMQSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close 关闭订阅，可重复调用
func (s *RabbitMQSource) Close() error {
	s.once.Do(func() {
		s.setErr(ErrClosed)
		close(s.quit)
		s.ch.Close()
		s.conn.Close()
		log.Println("✓ RabbitMQ 事件订阅已关闭")
	})
	return nil
}

// RabbitMQPublisher 把任务事件发布到 exchange
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	mu       sync.Mutex // amqp.Channel 不是并发安全的
}

// NewRabbitMQPublisher 创建发布者
func NewRabbitMQPublisher(url, exchange string) (*RabbitMQPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ Channel 失败: %w", err)
	}
	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 exchange 失败: %w", err)
	}

	log.Printf("✓ RabbitMQ 发布者连接已建立 (exchange: %s)", exchange)
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish 发布一条事件
func (p *RabbitMQPublisher) Publish(ctx context.Context, jobID string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := p.ch.PublishWithContext(
		ctx,
		p.exchange,
		RoutingKey(jobID),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   uuid.New().String(),
			Body:        payload,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭发布者
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}
