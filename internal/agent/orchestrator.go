package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"NUMA-Market/internal/account"
	"NUMA-Market/internal/catalog"
	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/matching"
	"NUMA-Market/internal/settlement"
	"NUMA-Market/pkg/logger"
)

// DefaultInitialReputation 是未声明信誉的新服务方的起始分数。
const DefaultInitialReputation = 50.0

// Accounts 管理智能体及其钱包。
type Accounts interface {
	Register(ctx context.Context, profile account.Profile, initial *big.Int) (*account.Agent, error)
	Get(agentID string) (*account.Agent, error)
}

// Listings 是登记服务的目录。
type Listings interface {
	Upsert(ctx context.Context, listing catalog.Listing) (catalog.Listing, error)
}

// Seeder 为首次出现的服务方写入初始信誉。
type Seeder interface {
	Seed(ctx context.Context, providerID string, score float64) (bool, error)
}

// Matcher 负责筛选与排序。
type Matcher interface {
	Select(ctx context.Context, req matching.Request) (matching.Match, error)
	Candidates(ctx context.Context, req matching.Request) ([]catalog.Listing, matching.Strategy, error)
}

// Settler 完成付款、调用与记账。
type Settler interface {
	Settle(ctx context.Context, agentID string, match matching.Match, payload []byte, opts ...settlement.SettleOption) (settlement.Outcome, error)
}

// Resolver 按 reference 找回已扣费的结算，未知 reference 返回 NOT_FOUND。
type Resolver interface {
	Resolve(ctx context.Context, reference string) (settlement.Outcome, error)
}

// PurchaseRequest 描述一次“发现并执行”的购买。
type PurchaseRequest struct {
	AgentID   string          `json:"agent_id"`
	Category  string          `json:"category,omitempty"`
	Budget    *big.Int        `json:"budget,omitempty"`
	Strategy  string          `json:"strategy,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reference string          `json:"reference,omitempty"`
}

// Validate 校验请求字段。
func (r PurchaseRequest) Validate() error {
	if strings.TrimSpace(r.AgentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	if r.Budget != nil && r.Budget.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "预算不能为负数")
	}
	return nil
}

// PurchaseResult 汇总一次购买的结算结果。
type PurchaseResult struct {
	SettlementID string          `json:"settlement_id"`
	AgentID      string          `json:"agent_id"`
	ProviderID   string          `json:"provider_id"`
	APIID        string          `json:"api_id"`
	Strategy     string          `json:"strategy"`
	Reference    string          `json:"reference"`
	Success      bool            `json:"success"`
	Price        *big.Int        `json:"price"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	Error        string          `json:"error,omitempty"`
	ElapsedMs    int64           `json:"elapsed_ms"`
	Balance      *big.Int        `json:"balance"`
	TxHash       string          `json:"tx_hash,omitempty"`
	CreatedAt    int64           `json:"created_at"`
}

// Orchestrator 串联智能体、目录、撮合与结算。
type Orchestrator struct {
	accounts Accounts
	listings Listings
	seeder   Seeder
	matcher  Matcher
	settler  Settler

	initialReputation float64
	logger            *slog.Logger
	now               func() time.Time
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithSeeder 在登记服务时为新服务方写入初始信誉。
func WithSeeder(s Seeder) Option {
	return func(o *Orchestrator) { o.seeder = s }
}

// WithInitialReputation 设置未声明信誉时的起始分数。
func WithInitialReputation(score float64) Option {
	return func(o *Orchestrator) {
		if score > 0 {
			o.initialReputation = score
		}
	}
}

// WithLogger 覆盖默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 创建 Orchestrator。
func New(accounts Accounts, listings Listings, matcher Matcher, settler Settler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		accounts:          accounts,
		listings:          listings,
		matcher:           matcher,
		settler:           settler,
		initialReputation: DefaultInitialReputation,
		logger:            logger.Named("agent"),
		now:               time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// RegisterAgent 创建智能体及其钱包，重复 ID 返回 CONFLICT。
func (o *Orchestrator) RegisterAgent(ctx context.Context, profile account.Profile, initialBalance *big.Int) (account.State, error) {
	agent, err := o.accounts.Register(ctx, profile, initialBalance)
	if err != nil {
		return account.State{}, err
	}
	return agent.State(), nil
}

// RegisterListing 登记或更新服务。服务方首次出现时以声明的信誉初始化账本。
func (o *Orchestrator) RegisterListing(ctx context.Context, listing catalog.Listing) (catalog.Listing, error) {
	if err := listing.Validate(); err != nil {
		return catalog.Listing{}, err
	}
	// 目录写入失败时不登记信誉
	stored, err := o.listings.Upsert(ctx, listing)
	if err != nil {
		return catalog.Listing{}, err
	}
	if o.seeder != nil {
		score := listing.Reputation
		if score == 0 {
			score = o.initialReputation
		}
		created, err := o.seeder.Seed(ctx, listing.ProviderID, score)
		if err != nil {
			return catalog.Listing{}, err
		}
		if created {
			stored.Reputation = score
		}
	}
	return stored, nil
}

// Discover 返回按智能体策略排序的候选服务，不触发结算。
func (o *Orchestrator) Discover(ctx context.Context, agentID, category string, budget *big.Int) ([]catalog.Listing, matching.Strategy, error) {
	req := PurchaseRequest{AgentID: agentID, Category: category, Budget: budget}
	matchReq, err := o.matchRequest(req)
	if err != nil {
		return nil, "", err
	}
	return o.matcher.Candidates(ctx, matchReq)
}

// Execute 为智能体挑选最优服务并完成付款与调用。结算已发生时即使返回错误也会附带结果。
// 带 reference 的重试先按 reference 找回原结算，不再重新撮合。
func (o *Orchestrator) Execute(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if req.Reference != "" {
		if result, ok, err := o.resume(ctx, req); ok {
			return result, err
		}
	}
	matchReq, err := o.matchRequest(req)
	if err != nil {
		return nil, err
	}
	match, err := o.matcher.Select(ctx, matchReq)
	if err != nil {
		return nil, err
	}

	var opts []settlement.SettleOption
	if req.Reference != "" {
		opts = append(opts, settlement.WithReference(req.Reference))
	}
	outcome, err := o.settler.Settle(ctx, req.AgentID, match, req.Payload, opts...)
	if outcome.SettlementID == "" {
		return nil, err
	}
	if err != nil {
		o.logger.Warn("purchase failed",
			slog.String("agent_id", req.AgentID),
			slog.String("listing", match.Listing.ID().String()),
			slog.String("code", string(xerrors.CodeOf(err))))
	}
	return o.result(outcome, string(match.Strategy)), err
}

// resume 查找 reference 对应的已有结算。ok 为 false 表示需要走正常购买流程。
func (o *Orchestrator) resume(ctx context.Context, req PurchaseRequest) (*PurchaseResult, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, true, err
	}
	resolver, ok := o.settler.(Resolver)
	if !ok {
		return nil, false, nil
	}
	outcome, err := resolver.Resolve(ctx, req.Reference)
	if xerrors.IsCode(err, xerrors.CodeNotFound) {
		return nil, false, nil
	}
	if outcome.SettlementID == "" {
		return nil, true, err
	}
	if outcome.AgentID != req.AgentID {
		return nil, true, xerrors.New(xerrors.CodeConflict, "reference "+req.Reference+" 属于其他智能体")
	}
	return o.result(outcome, ""), true, err
}

func (o *Orchestrator) result(outcome settlement.Outcome, strategy string) *PurchaseResult {
	return &PurchaseResult{
		SettlementID: outcome.SettlementID,
		AgentID:      outcome.AgentID,
		ProviderID:   outcome.ProviderID,
		APIID:        outcome.APIID,
		Strategy:     strategy,
		Reference:    outcome.Reference,
		Success:      outcome.Success,
		Price:        outcome.Price,
		Data:         rawData(outcome.Data),
		ErrorCode:    outcome.ErrorCode,
		Error:        outcome.Error,
		ElapsedMs:    outcome.Elapsed.Milliseconds(),
		Balance:      outcome.Balance,
		TxHash:       outcome.TxHash,
		CreatedAt:    o.now().Unix(),
	}
}

// matchRequest 把购买请求转换为撮合条件：价格上限取预算与余额的较小值。
func (o *Orchestrator) matchRequest(req PurchaseRequest) (matching.Request, error) {
	if err := req.Validate(); err != nil {
		return matching.Request{}, err
	}
	agent, err := o.accounts.Get(req.AgentID)
	if err != nil {
		return matching.Request{}, err
	}
	maxPrice := agent.Account.Balance()
	if req.Budget != nil && req.Budget.Cmp(maxPrice) < 0 {
		maxPrice = new(big.Int).Set(req.Budget)
	}
	strategy := agent.Profile.Strategy
	if s := strings.TrimSpace(req.Strategy); s != "" {
		strategy = s
	}
	return matching.Request{
		Category:      req.Category,
		MaxPrice:      maxPrice,
		MinReputation: agent.Profile.MinReputation,
		Strategy:      strategy,
	}, nil
}

// rawData 保证响应体可以原样嵌入 JSON，非 JSON 内容按字符串编码。
func rawData(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	encoded, err := json.Marshal(string(data))
	if err != nil {
		return nil
	}
	return encoded
}
