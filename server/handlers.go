package server

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"cabbageSI/filter"
	"cabbageSI/region"
	"cabbageSI/storage"
	"cabbageSI/txn"
)

type errorView struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type txnView struct {
	ID                uint64   `json:"id"`
	Parent            uint64   `json:"parent,omitempty"`
	State             string   `json:"state"`
	Isolation         string   `json:"isolation"`
	CommitTS          uint64   `json:"commit_ts,omitempty"`
	EffectiveCommitTS uint64   `json:"effective_commit_ts,omitempty"`
	ReadOnly          bool     `json:"read_only"`
	RollbackOnly      bool     `json:"rollback_only"`
	Chain             []uint64 `json:"chain"`
}

func newTxnView(t *txn.Txn) txnView {
	chain := make([]uint64, 0, len(t.Chain))
	for _, id := range t.Chain {
		chain = append(chain, uint64(id))
	}
	return txnView{
		ID:                uint64(t.ID),
		Parent:            uint64(t.ParentID),
		State:             t.State.String(),
		Isolation:         t.Isolation.String(),
		CommitTS:          uint64(t.CommitTS),
		EffectiveCommitTS: uint64(t.EffectiveCommitTS),
		ReadOnly:          t.ReadOnly,
		RollbackOnly:      t.RollbackOnly,
		Chain:             chain,
	}
}

type beginRequest struct {
	Parent    uint64 `json:"parent"`
	Isolation string `json:"isolation"`
	ReadOnly  bool   `json:"read_only"`
}

type columnRequest struct {
	Family    string `json:"family"`
	Qualifier string `json:"qualifier"`
	Value     string `json:"value"`
	Delete    bool   `json:"delete"`
}

type mutationRequest struct {
	Row       string          `json:"row"`
	DeleteRow bool            `json:"delete_row"`
	Columns   []columnRequest `json:"columns"`
}

type writeRequest struct {
	Mutations []mutationRequest `json:"mutations"`
}

type writeResultView struct {
	Row    string `json:"row"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type elevateRequest struct {
	Rows []string `json:"rows"`
}

type cellView struct {
	Family    string `json:"family"`
	Qualifier string `json:"qualifier"`
	Value     string `json:"value"`
	Timestamp uint64 `json:"ts"`
}

type rowView struct {
	Key   string     `json:"key"`
	Cells []cellView `json:"cells"`
}

func newRowView(r *storage.Row) rowView {
	cells := make([]cellView, 0, len(r.Cells))
	for _, c := range r.Cells {
		cells = append(cells, cellView{Family: string(c.Family), Qualifier: string(c.Qualifier), Value: string(c.Value), Timestamp: c.Timestamp})
	}
	return rowView{Key: string(r.Key), Cells: cells}
}

type compactRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type compactView struct {
	Horizon     uint64         `json:"horizon"`
	Rows        int            `json:"rows"`
	FailedRows  int            `json:"failed_rows"`
	Resolved    int            `json:"resolved"`
	GarbageRows int            `json:"garbage_rows"`
	Dropped     map[string]int `json:"dropped"`
	Error       string         `json:"error,omitempty"`
}

func txnID(c *fiber.Ctx) (txn.Timestamp, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid transaction id "+strconv.Quote(c.Params("id")))
	}
	return txn.Timestamp(id), nil
}

func bytesOrNil(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func (s *Server) handleBegin(c *fiber.Ctx) error {
	var req beginRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "bad begin request: "+err.Error())
		}
	}
	level, err := txn.ParseIsolationLevel(req.Isolation)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	var t *txn.Txn
	err = s.withRetry(c.UserContext(), func() error {
		var err error
		t, err = s.txns.BeginTransaction(c.UserContext(), txn.Timestamp(req.Parent), level, req.ReadOnly)
		return err
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(newTxnView(t))
}

func (s *Server) handleGet(c *fiber.Ctx) error {
	id, err := txnID(c)
	if err != nil {
		return err
	}
	t, err := s.txns.GetTransaction(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(newTxnView(t))
}

func (s *Server) handleCommit(c *fiber.Ctx) error {
	id, err := txnID(c)
	if err != nil {
		return err
	}
	var commit txn.Timestamp
	err = s.withRetry(c.UserContext(), func() error {
		var err error
		commit, err = s.txns.Commit(c.UserContext(), id)
		return err
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"id": uint64(id), "commit_ts": uint64(commit)})
}

func (s *Server) handleRollback(c *fiber.Ctx) error {
	id, err := txnID(c)
	if err != nil {
		return err
	}
	if err := s.withRetry(c.UserContext(), func() error { return s.txns.Rollback(c.UserContext(), id) }); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleRollbackOnly(c *fiber.Ctx) error {
	id, err := txnID(c)
	if err != nil {
		return err
	}
	if err := s.withRetry(c.UserContext(), func() error { return s.txns.MarkRollbackOnly(c.UserContext(), id) }); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleKeepAlive(c *fiber.Ctx) error {
	id, err := txnID(c)
	if err != nil {
		return err
	}
	if err := s.withRetry(c.UserContext(), func() error { return s.txns.KeepAlive(c.UserContext(), id) }); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleElevate(c *fiber.Ctx) error {
	id, err := txnID(c)
	if err != nil {
		return err
	}
	var req elevateRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "bad elevate request: "+err.Error())
		}
	}
	rows := make([][]byte, 0, len(req.Rows))
	for _, r := range req.Rows {
		rows = append(rows, []byte(r))
	}
	if err := s.region.ElevateToWritable(c.UserContext(), id, rows); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleWrite(c *fiber.Ctx) error {
	id, err := txnID(c)
	if err != nil {
		return err
	}
	var req writeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "bad write request: "+err.Error())
	}
	mutations := make([]region.Mutation, 0, len(req.Mutations))
	for _, m := range req.Mutations {
		mut := region.Mutation{Row: []byte(m.Row), DeleteRow: m.DeleteRow}
		for _, col := range m.Columns {
			mut.Columns = append(mut.Columns, region.Column{
				Family:    []byte(col.Family),
				Qualifier: []byte(col.Qualifier),
				Value:     []byte(col.Value),
				Delete:    col.Delete,
			})
		}
		mutations = append(mutations, mut)
	}

	// Nothing is applied when the transaction itself is rejected, so a retry is safe.
	var results []region.WriteResult
	err = s.withRetry(c.UserContext(), func() error {
		var err error
		results, err = s.region.BulkWrite(c.UserContext(), id, mutations)
		return err
	})
	if err != nil {
		return err
	}

	views := make([]writeResultView, 0, len(results))
	status := fiber.StatusOK
	for _, res := range results {
		v := writeResultView{Row: string(res.Row), Status: res.Status.String()}
		if res.Err != nil {
			v.Error = res.Err.Error()
			status = fiber.StatusMultiStatus
		}
		views = append(views, v)
	}
	return c.Status(status).JSON(fiber.Map{"results": views})
}

func (s *Server) handleScan(c *fiber.Ctx) error {
	id, err := txnID(c)
	if err != nil {
		return err
	}
	opts := region.ScanOptions{
		Start: bytesOrNil(c.Query("start")),
		End:   bytesOrNil(c.Query("end")),
		Limit: c.QueryInt("limit", 0),
	}
	if ddl := c.Query("ddl"); ddl != "" {
		ddlID, err := strconv.ParseUint(ddl, 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid ddl transaction id "+strconv.Quote(ddl))
		}
		side := filter.OldSchema
		if c.Query("side") == "new" {
			side = filter.NewSchema
		}
		opts.DDL = &region.DDLScope{Txn: txn.Timestamp(ddlID), Side: side}
	}

	rows, err := s.region.Scan(c.UserContext(), id, opts)
	if err != nil {
		return err
	}
	views := make([]rowView, 0, len(rows))
	for _, r := range rows {
		views = append(views, newRowView(r))
	}
	return c.JSON(fiber.Map{"rows": views})
}

func (s *Server) handleRow(c *fiber.Ctx) error {
	id, err := txnID(c)
	if err != nil {
		return err
	}
	row, err := s.region.Get(c.UserContext(), id, []byte(c.Params("key")))
	if err != nil {
		return err
	}
	if row == nil {
		return fiber.NewError(fiber.StatusNotFound, "row "+strconv.Quote(c.Params("key"))+" not found")
	}
	return c.JSON(newRowView(row))
}

func (s *Server) handleCompact(c *fiber.Ctx) error {
	var req compactRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "bad compact request: "+err.Error())
		}
	}
	report, err := s.region.Compact(c.UserContext(), storage.ScanRange{Start: bytesOrNil(req.Start), End: bytesOrNil(req.End)})
	view := compactView{
		Horizon:     uint64(report.Horizon),
		Rows:        report.Rows,
		FailedRows:  report.FailedRows,
		Resolved:    report.Resolved,
		GarbageRows: report.GarbageRows,
		Dropped:     report.Dropped,
	}
	if err != nil {
		if report.Rows == 0 && report.FailedRows == 0 {
			return err
		}
		view.Error = err.Error()
		return c.Status(fiber.StatusMultiStatus).JSON(view)
	}
	return c.JSON(view)
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	status, err := s.region.Store().Status()
	if err != nil {
		return err
	}
	active, err := s.txns.ActiveTransactions(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"namespace":     s.txns.Namespace(),
		"active":        len(active),
		"keys":          status.Keys,
		"size":          status.Size,
		"garbage_ratio": status.GarbageRatio(),
		"garbage_rows":  s.region.GarbageRows(),
	})
}
