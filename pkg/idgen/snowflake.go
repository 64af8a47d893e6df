package idgen

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// 雪花算法生成流水号/订单号的数字部分：
// 41位毫秒时间戳 | 10位机器ID | 12位序列号，趋势递增，便于索引。
// 单机房部署下 workerID 取实例编号即可。

const (
	epoch        = int64(1735689600000) // 2025-01-01 00:00:00 UTC
	workerIDBits = 10
	sequenceBits = 12
	maxWorkerID  = -1 ^ (-1 << workerIDBits)
	maxSequence  = -1 ^ (-1 << sequenceBits)
)

// Snowflake 雪花ID生成器，并发安全
type Snowflake struct {
	mu        sync.Mutex
	lastMilli int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// Init 初始化默认生成器，进程启动时调用一次
func Init(workerID int64) {
	once.Do(func() {
		if workerID < 0 || workerID > maxWorkerID {
			log.Fatalf("workerID 必须在 0-%d 之间", maxWorkerID)
		}
		defaultGenerator = &Snowflake{workerID: workerID}
	})
}

// NextID 用默认生成器生成ID，未初始化时按 workerID=1 初始化
func NextID() int64 {
	if defaultGenerator == nil {
		Init(1)
	}
	return defaultGenerator.Generate()
}

// Generate 生成下一个ID
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now == s.lastMilli {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 当前毫秒的序列号用完，自旋到下一毫秒
			for now <= s.lastMilli {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastMilli = now

	return ((now - epoch) << (workerIDBits + sequenceBits)) |
		(s.workerID << sequenceBits) |
		s.sequence
}

// 业务单号 = 前缀 + 秒级时间戳 + 雪花ID后8位
// 时间戳部分方便人工排查，唯一性由雪花ID保证
func numberWithPrefix(prefix string) string {
	return fmt.Sprintf("%s%s%08d", prefix, time.Now().Format("20060102150405"), NextID()%100000000)
}

// GenerateOrderNo 生成置换订单号，如 EXC2025011514305212345678
func GenerateOrderNo() string {
	return numberWithPrefix("EXC")
}

// GenerateTransactionNo 生成书币流水号
func GenerateTransactionNo() string {
	return numberWithPrefix("TXN")
}

// GenerateRefundNo 生成退币单号
func GenerateRefundNo() string {
	return numberWithPrefix("RFD")
}
