package reconcile

// Version 变更计数器，每次修改递增，并唤醒等待变更的读者
// 不加锁，由所属 store 保护
type Version struct {
	n       uint64
	changed chan struct{}
}

// Bump 记录一次修改
func (v *Version) Bump() uint64 {
	v.n++
	if v.changed != nil {
		close(v.changed)
		v.changed = nil
	}
	return v.n
}

// Current 当前版本号
func (v *Version) Current() uint64 {
	return v.n
}

// Changes 返回在下一次 Bump 时关闭的通道
func (v *Version) Changes() <-chan struct{} {
	if v.changed == nil {
		v.changed = make(chan struct{})
	}
	return v.changed
}
