package stream

import "log"

// Conn 实时连接句柄
type Conn interface {
	Close() error
}

// Timer 轮询定时器句柄
type Timer interface {
	Stop()
}

// Lifecycle 一个任务订阅最多持有一个实时连接和一个轮询定时器
// 不加锁，由所属 store 的锁保护
type Lifecycle struct {
	conn  Conn
	timer Timer
}

// Attach 关闭旧连接后保存新连接
func (l *Lifecycle) Attach(conn Conn) {
	l.closeConn()
	l.conn = conn
}

// AttachPoll 停止旧定时器后保存新定时器
func (l *Lifecycle) AttachPoll(timer Timer) {
	l.stopTimer()
	l.timer = timer
}

// Disconnect 关闭连接并停止定时器，可重复调用
func (l *Lifecycle) Disconnect() {
	l.closeConn()
	l.stopTimer()
}

// Connected 是否持有实时连接
func (l *Lifecycle) Connected() bool {
	return l.conn != nil
}

// Polling 是否持有轮询定时器
func (l *Lifecycle) Polling() bool {
	return l.timer != nil
}

func (l *Lifecycle) closeConn() {
	if l.conn == nil {
		return
	}
	if err := l.conn.Close(); err != nil {
		log.Printf("⚠️ 关闭实时连接失败: %v", err)
	}
	l.conn = nil
}

func (l *Lifecycle) stopTimer() {
	if l.timer == nil {
		return
	}
	l.timer.Stop()
	l.timer = nil
}
