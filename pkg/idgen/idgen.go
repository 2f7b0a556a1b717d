// 文件: pkg/idgen/idgen.go
// ID 生成器
//
// - 违规 ID: 雪花算法 (github.com/bwmarrin/snowflake)，int64，下游按它去重
// - 事件 ID: ULID (github.com/oklog/ulid/v2)，按时间字典序递增

package idgen

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
)

var (
	node     *snowflake.Node
	initOnce sync.Once

	entropyMu sync.Mutex
	entropy   io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	// 单调熵: 同一毫秒内生成的 ULID 依然有序
	entropy = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// InitSnowflake 初始化雪花节点
// nodeID: 节点ID (0-1023)，多实例部署时必须不同
func InitSnowflake(nodeID int64) error {
	var err error
	initOnce.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// ViolationID 生成违规 ID
func ViolationID() int64 {
	// 未初始化则使用默认节点0，已初始化时为空操作
	InitSnowflake(0)
	return node.Generate().Int64()
}

// EventID 生成事件 ID
func EventID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), entropy)
	if err != nil {
		// 单调熵在同一毫秒内溢出才会失败，退化为非单调
		return ulid.Make().String()
	}
	return id.String()
}
