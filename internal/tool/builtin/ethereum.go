package builtin

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "MCP-Flow/internal/errors"
	"MCP-Flow/internal/tool"
)

// CommandEthereum 是目录中声明内置以太坊工具时使用的启动命令。
const CommandEthereum = "builtin:ethereum"

// EthereumProvider 将 EVM 节点封装为工具提供方，
// 暴露 chain_snapshot 与 get_balance 两个操作。
type EthereumProvider struct {
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
}

// DialEthereum 连接指定的 RPC 节点。
func DialEthereum(ctx context.Context, rpcURL string) (*EthereumProvider, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeAuthFailed, "未提供以太坊 RPC 地址，请配置 ETH_RPC_URL")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "连接以太坊节点失败")
	}
	return &EthereumProvider{
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Invoke 实现 tool.Provider 接口。
func (p *EthereumProvider) Invoke(ctx context.Context, action string, input map[string]any) (any, error) {
	switch action {
	case "chain_snapshot":
		return p.chainSnapshot(ctx)
	case "get_balance":
		return p.getBalance(ctx, input)
	default:
		return nil, xerrors.New(xerrors.CodeToolExecution, "以太坊工具不支持操作: "+action)
	}
}

func (p *EthereumProvider) chainSnapshot(ctx context.Context) (any, error) {
	chainID, err := p.eth.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "获取链 ID 失败")
	}
	blockNumber, err := p.eth.BlockNumber(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "获取最新区块高度失败")
	}
	return map[string]any{
		"chain_id":     chainID.String(),
		"block_number": blockNumber,
	}, nil
}

func (p *EthereumProvider) getBalance(ctx context.Context, input map[string]any) (any, error) {
	raw, _ := input["address"].(string)
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return nil, xerrors.New(xerrors.CodeToolExecution, "无效的以太坊地址: "+raw)
	}
	balance, err := p.eth.BalanceAt(ctx, common.HexToAddress(raw), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "查询余额失败")
	}
	ether := new(big.Rat).SetFrac(balance, big.NewInt(1e18))
	return map[string]any{
		"address":     raw,
		"balance_wei": balance.String(),
		"balance_eth": ether.FloatString(6),
	}, nil
}

// Close 释放节点连接。
func (p *EthereumProvider) Close() error {
	if p.eth != nil {
		p.eth.Close()
	}
	if p.rpcClient != nil {
		p.rpcClient.Close()
	}
	return nil
}

// WrapConnector 在给定 Connector 外层拦截内置工具的启动命令。
func WrapConnector(next tool.Connector) tool.Connector {
	return tool.ConnectorFunc(func(ctx context.Context, desc tool.Descriptor, env map[string]string) (tool.Provider, error) {
		if strings.TrimSpace(desc.Launch.Command) == CommandEthereum {
			return DialEthereum(ctx, env["ETH_RPC_URL"])
		}
		return next.Connect(ctx, desc, env)
	})
}

var _ tool.Provider = (*EthereumProvider)(nil)
