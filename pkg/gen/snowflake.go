// Package gen issues record identifiers.
package gen

import (
	"fmt"

	"careledger/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("gen", fx.Provide(NewNode))

// NewNode returns the snowflake node for SNOWFLAKE.NODE_ID. Replicas sharing a
// database need distinct node ids.
func NewNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.Snowflake.NodeID)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", cfg.Snowflake.NodeID, err)
	}
	return node, nil
}
