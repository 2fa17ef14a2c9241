package gen

import (
	"hash/fnv"
	"os"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("gen", fx.Provide(NewNode))

// NewNode derives the snowflake node id from the hostname so replicas in the
// same deployment do not mint colliding ids.
func NewNode() (*snowflake.Node, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "ace"
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	nodeID := int64(h.Sum32() % 1024)

	return snowflake.NewNode(nodeID)
}
