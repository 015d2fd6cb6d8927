package packet

import "sync"

// Cache holds the latest packet.
type Cache struct {
	data *Packet
	sync.RWMutex
}

func (c *Cache) Get() *Packet {
	c.RLock()
	defer c.RUnlock()
	return c.data
}

func (c *Cache) Set(d *Packet) {
	c.Lock()
	c.data = d
	c.Unlock()
}
