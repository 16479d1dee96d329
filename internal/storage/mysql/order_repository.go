package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"GigaCrew-Agent/internal/order"
)

const orderColumns = `order_id, service_id, buyer_address, seller_address, status, terms, price, work,
        deadline, lock_period, resolution_period, callback_data, failed_attempts,
        can_seller_withdraw, can_buyer_withdraw`

var (
	// 卖方提现：买方已提现则订单完结，否则进入 seller_withdrawn。
	markSellerWithdrawnSQL = fmt.Sprintf(`UPDATE orders SET status = CASE WHEN status = %d THEN %d ELSE %d END,
        can_seller_withdraw = 0 WHERE order_id = ?`,
		order.StatusBuyerWithdrawn, order.StatusWithdrawn, order.StatusSellerWithdrawn)
	markBuyerWithdrawnSQL = fmt.Sprintf(`UPDATE orders SET status = CASE WHEN status = %d THEN %d ELSE %d END,
        can_buyer_withdraw = 0 WHERE order_id = ?`,
		order.StatusSellerWithdrawn, order.StatusWithdrawn, order.StatusBuyerWithdrawn)

	sellerWithdrawableStatuses = fmt.Sprintf("%d,%d,%d", order.StatusPending, order.StatusDisputed, order.StatusBuyerWithdrawn)
	buyerWithdrawableStatuses  = fmt.Sprintf("%d,%d,%d", order.StatusPending, order.StatusDisputed, order.StatusSellerWithdrawn)
)

// OrderRepository 使用 MySQL 持久化订单与报价记录。
type OrderRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ order.Store = (*OrderRepository)(nil)

// NewOrderRepository 建立连接池并返回仓库。
func NewOrderRepository(ctx context.Context, cfg Config) (*OrderRepository, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewOrderRepositoryWithDB(db), nil
}

// NewOrderRepositoryWithDB 复用已有连接池。
func NewOrderRepositoryWithDB(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanOrder(row rowScanner) (order.Order, error) {
	var (
		o                            order.Order
		status                       int
		work, callback               sql.NullString
		deadline                     int64
		lockPeriod, resolutionPeriod sql.NullInt64
	)
	if err := row.Scan(&o.ID, &o.ServiceID, &o.Buyer, &o.Seller, &status, &o.Terms, &o.Price, &work,
		&deadline, &lockPeriod, &resolutionPeriod, &callback, &o.FailedAttempts,
		&o.CanSellerWithdraw, &o.CanBuyerWithdraw); err != nil {
		return order.Order{}, err
	}
	o.Status = order.Status(status)
	o.Deadline = time.Unix(deadline, 0)
	if work.Valid {
		o.Work = &work.String
	}
	if callback.Valid {
		o.CallbackData = &callback.String
	}
	if lockPeriod.Valid {
		ts := time.Unix(lockPeriod.Int64, 0)
		o.LockPeriod = &ts
	}
	if resolutionPeriod.Valid {
		ts := time.Unix(resolutionPeriod.Int64, 0)
		o.ResolutionPeriod = &ts
	}
	return o, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableUnix(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return ts.Unix()
}

// InsertOrder 在事务内完成幂等写入与报价条款还原。
func (r *OrderRepository) InsertOrder(ctx context.Context, o order.Order) error {
	o.ID = order.NormalizeID(o.ID)
	if o.ID == "" {
		return fmt.Errorf("订单号不能为空")
	}
	o.Buyer = order.NormalizeAddress(o.Buyer)
	o.Seller = order.NormalizeAddress(o.Seller)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启订单事务失败: %w", err)
	}

	var existingCallback sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT callback_data FROM orders WHERE order_id = ? FOR UPDATE`, o.ID).Scan(&existingCallback)
	switch {
	case err == nil:
		if !existingCallback.Valid && o.CallbackData != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE orders SET callback_data = ? WHERE order_id = ?`, *o.CallbackData, o.ID); err != nil {
				tx.Rollback()
				return fmt.Errorf("补写订单回调数据失败: %w", err)
			}
		}
		return commit(tx)
	case !errors.Is(err, sql.ErrNoRows):
		tx.Rollback()
		return fmt.Errorf("查询订单失败: %w", err)
	}

	if o.Terms == "" {
		var serviceID, terms string
		err := tx.QueryRowContext(ctx, `SELECT service_id, terms FROM proposals WHERE proposal_id = ? FOR UPDATE`, o.ID).Scan(&serviceID, &terms)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && serviceID != o.ServiceID) {
			tx.Rollback()
			return fmt.Errorf("%w: order %s service %s", order.ErrProposalNotFound, o.ID, o.ServiceID)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("查询报价记录失败: %w", err)
		}
		o.Terms = terms
		if _, err := tx.ExecContext(ctx, `DELETE FROM proposals WHERE proposal_id = ?`, o.ID); err != nil {
			tx.Rollback()
			return fmt.Errorf("删除报价记录失败: %w", err)
		}
	}

	const stmt = `INSERT INTO orders
        (order_id, service_id, buyer_address, seller_address, status, terms, price, work, deadline,
        lock_period, resolution_period, callback_data, failed_attempts, can_seller_withdraw, can_buyer_withdraw, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 1, ?)`
	if _, err := tx.ExecContext(ctx, stmt,
		o.ID,
		o.ServiceID,
		o.Buyer,
		o.Seller,
		int(o.Status),
		o.Terms,
		o.Price,
		nullableString(o.Work),
		o.Deadline.Unix(),
		nullableUnix(o.LockPeriod),
		nullableUnix(o.ResolutionPeriod),
		nullableString(o.CallbackData),
		o.FailedAttempts,
		r.now().Unix(),
	); err != nil {
		tx.Rollback()
		if isDuplicateEntry(err) {
			return nil
		}
		return fmt.Errorf("写入订单失败: %w", err)
	}
	return commit(tx)
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// GetOrder 查询单个订单。
func (r *OrderRepository) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, order.NormalizeID(id))
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}
	return &o, nil
}

// ListOrders 支持按参与方地址与状态过滤。
func (r *OrderRepository) ListOrders(ctx context.Context, opts order.ListOptions) ([]order.Order, error) {
	opts = opts.Normalize()

	var (
		clauses []string
		args    []any
	)
	if len(opts.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(opts.Statuses))+")")
		for _, s := range opts.Statuses {
			args = append(args, int(s))
		}
	}
	if opts.Address != "" {
		switch opts.Party {
		case order.PartyBuyer:
			clauses = append(clauses, "buyer_address = ?")
			args = append(args, opts.Address)
		case order.PartySeller:
			clauses = append(clauses, "seller_address = ?")
			args = append(args, opts.Address)
		default:
			clauses = append(clauses, "(buyer_address = ? OR seller_address = ?)")
			args = append(args, opts.Address, opts.Address)
		}
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY order_id LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)
	return r.queryOrders(ctx, query, args...)
}

func (r *OrderRepository) queryOrders(ctx context.Context, query string, args ...any) ([]order.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询订单列表失败: %w", err)
	}
	defer rows.Close()

	orders := []order.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("解析订单失败: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历订单失败: %w", err)
	}
	return orders, nil
}

// DeleteOrders 批量删除订单。
func (r *OrderRepository) DeleteOrders(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE order_id IN (`+placeholders(len(ids))+`)`, normalizedIDs(ids)...); err != nil {
		return fmt.Errorf("删除订单失败: %w", err)
	}
	return nil
}

func normalizedIDs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = order.NormalizeID(id)
	}
	return args
}

// updateOne 执行单行更新，未命中时返回 ErrOrderNotFound。
func (r *OrderRepository) updateOne(ctx context.Context, exec execer, stmt string, args ...any) error {
	res, err := exec.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("更新订单失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取影响行数失败: %w", err)
	}
	if affected == 0 {
		return order.ErrOrderNotFound
	}
	return nil
}

// SetWork 记录交付物。
func (r *OrderRepository) SetWork(ctx context.Context, id, work string) error {
	return r.updateOne(ctx, r.db, `UPDATE orders SET work = ? WHERE order_id = ?`, work, order.NormalizeID(id))
}

// SetWorkAndLockPeriod 在同一事务内写入交付物与锁定期并读回订单。
func (r *OrderRepository) SetWorkAndLockPeriod(ctx context.Context, id, work string, lock time.Time) (*order.Order, error) {
	id = order.NormalizeID(id)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开启订单事务失败: %w", err)
	}
	if err := r.updateOne(ctx, tx, `UPDATE orders SET work = ?, lock_period = ? WHERE order_id = ?`, work, lock.Unix(), id); err != nil {
		tx.Rollback()
		return nil, err
	}
	o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, id))
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("读取订单失败: %w", err)
	}
	if err := commit(tx); err != nil {
		return nil, err
	}
	return &o, nil
}

// SetLockPeriod 记录锁定期。
func (r *OrderRepository) SetLockPeriod(ctx context.Context, id string, lock time.Time) error {
	return r.updateOne(ctx, r.db, `UPDATE orders SET lock_period = ? WHERE order_id = ?`, lock.Unix(), order.NormalizeID(id))
}

// SetResolutionPeriod 记录争议结束时间。
func (r *OrderRepository) SetResolutionPeriod(ctx context.Context, id string, until time.Time) error {
	return r.updateOne(ctx, r.db, `UPDATE orders SET resolution_period = ? WHERE order_id = ?`, until.Unix(), order.NormalizeID(id))
}

// SetStatus 更新订单状态。
func (r *OrderRepository) SetStatus(ctx context.Context, id string, status order.Status) error {
	return r.updateOne(ctx, r.db, `UPDATE orders SET status = ? WHERE order_id = ?`, int(status), order.NormalizeID(id))
}

// IncrementFailedAttempts 累加交付失败次数。
func (r *OrderRepository) IncrementFailedAttempts(ctx context.Context, id string) error {
	return r.updateOne(ctx, r.db, `UPDATE orders SET failed_attempts = failed_attempts + 1 WHERE order_id = ?`, order.NormalizeID(id))
}

// SetCanSellerWithdraw 批量设置卖方提现标记。
func (r *OrderRepository) SetCanSellerWithdraw(ctx context.Context, ids []string, allowed bool) error {
	return r.setFlag(ctx, "can_seller_withdraw", ids, allowed)
}

// SetCanBuyerWithdraw 批量设置买方提现标记。
func (r *OrderRepository) SetCanBuyerWithdraw(ctx context.Context, ids []string, allowed bool) error {
	return r.setFlag(ctx, "can_buyer_withdraw", ids, allowed)
}

func (r *OrderRepository) setFlag(ctx context.Context, column string, ids []string, allowed bool) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{allowed}, normalizedIDs(ids)...)
	stmt := `UPDATE orders SET ` + column + ` = ? WHERE order_id IN (` + placeholders(len(ids)) + `)`
	if _, err := r.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("更新提现标记失败: %w", err)
	}
	return nil
}

// MarkWithdrawn 用单条 UPDATE 推进状态并清除该方标记。
func (r *OrderRepository) MarkWithdrawn(ctx context.Context, id string, party order.Party) error {
	stmt := markBuyerWithdrawnSQL
	if party == order.PartySeller {
		stmt = markSellerWithdrawnSQL
	}
	return r.updateOne(ctx, r.db, stmt, order.NormalizeID(id))
}

// InsertProposal 写入报价，重复写入时覆盖。
func (r *OrderRepository) InsertProposal(ctx context.Context, p order.Proposal) error {
	p.ID = order.NormalizeID(p.ID)
	if p.ID == "" {
		return fmt.Errorf("报价号不能为空")
	}
	const stmt = `INSERT INTO proposals (proposal_id, service_id, terms, proposal_expiry)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE service_id = VALUES(service_id), terms = VALUES(terms), proposal_expiry = VALUES(proposal_expiry)`
	if _, err := r.db.ExecContext(ctx, stmt, p.ID, p.ServiceID, p.Terms, p.Expiry.Unix()); err != nil {
		return fmt.Errorf("写入报价记录失败: %w", err)
	}
	return nil
}

// GetProposal 查询报价记录。
func (r *OrderRepository) GetProposal(ctx context.Context, id string) (*order.Proposal, error) {
	var (
		p      order.Proposal
		expiry int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT proposal_id, service_id, terms, proposal_expiry FROM proposals WHERE proposal_id = ?`,
		order.NormalizeID(id)).Scan(&p.ID, &p.ServiceID, &p.Terms, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrProposalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询报价记录失败: %w", err)
	}
	p.Expiry = time.Unix(expiry, 0)
	return &p, nil
}

// DeleteExpiredProposals 删除超过宽限期的报价。
func (r *OrderRepository) DeleteExpiredProposals(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-order.ProposalGracePeriod).Unix()
	res, err := r.db.ExecContext(ctx, `DELETE FROM proposals WHERE proposal_expiry < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("清理过期报价失败: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("读取影响行数失败: %w", err)
	}
	return removed, nil
}

// ActiveOrdersForSeller 返回尚未交付且仍在截止时间内的订单。
func (r *OrderRepository) ActiveOrdersForSeller(ctx context.Context, seller, serviceID string, now time.Time) ([]order.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
        WHERE status = ? AND failed_attempts < ? AND seller_address = ? AND service_id = ?
        AND deadline > ? AND lock_period IS NULL
        ORDER BY deadline, order_id`
	return r.queryOrders(ctx, query, int(order.StatusPending), order.MaxFailedAttempts,
		order.NormalizeAddress(seller), serviceID, now.Unix())
}

// WithdrawableOrdersForSeller 返回卖方可提现的订单。
func (r *OrderRepository) WithdrawableOrdersForSeller(ctx context.Context, seller, serviceID string, now time.Time) ([]order.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
        WHERE seller_address = ? AND service_id = ? AND can_seller_withdraw = 1
        AND status IN (` + sellerWithdrawableStatuses + `)
        AND ((lock_period IS NOT NULL AND lock_period < ?) OR (resolution_period IS NOT NULL AND resolution_period < ?))
        ORDER BY deadline, order_id`
	ts := now.Unix()
	return r.queryOrders(ctx, query, order.NormalizeAddress(seller), serviceID, ts, ts)
}

// WithdrawableOrdersForBuyer 返回买方可提现的订单。
func (r *OrderRepository) WithdrawableOrdersForBuyer(ctx context.Context, buyer string, now time.Time) ([]order.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
        WHERE buyer_address = ? AND can_buyer_withdraw = 1
        AND status IN (` + buyerWithdrawableStatuses + `)
        AND ((lock_period IS NULL AND deadline < ?) OR (resolution_period IS NOT NULL AND resolution_period < ?))
        ORDER BY deadline, order_id`
	ts := now.Unix()
	return r.queryOrders(ctx, query, order.NormalizeAddress(buyer), ts, ts)
}

// Close 关闭底层数据库连接。
func (r *OrderRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
