package pgreplication

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	repcore "github.com/edgeflare/repcore"
	"github.com/edgeflare/repcore/pkg/changesource"
	"github.com/edgeflare/repcore/pkg/replica"
	"github.com/edgeflare/repcore/pkg/watermark"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"
)

// Source is the Postgres Change Source (spec §2 component K): a
// changesource.Source backed by one logical replication connection.
type Source struct {
	cfg    Config
	logger *zap.Logger
}

// New returns a Source that dials cfg.ConnString on every Subscribe call.
func New(cfg Config, logger *zap.Logger) *Source {
	return &Source{cfg: cfg, logger: logger}
}

func (s *Source) Subscribe(ctx context.Context, params changesource.SubscribeParams) (changesource.Subscription, error) {
	cfg := mergeWithDefaults(s.cfg)
	if err := validateConfig(cfg); err != nil {
		return changesource.Subscription{}, repcore.NewConfig("subscribe", err)
	}

	conn, err := pgconn.Connect(ctx, cfg.ConnString)
	if err != nil {
		return changesource.Subscription{}, repcore.NewTransient("subscribe", fmt.Errorf("connect: %w", err))
	}

	startLSN, err := watermarkToLSN(params.LastWatermark)
	if err != nil {
		conn.Close(ctx)
		return changesource.Subscription{}, repcore.NewConfig("subscribe", fmt.Errorf("last watermark: %w", err))
	}

	if err := setupReplication(ctx, conn, cfg, startLSN); err != nil {
		conn.Close(ctx)
		return changesource.Subscription{}, repcore.NewTransient("subscribe", err)
	}

	changes := make(chan changesource.Message, cfg.BufferSize)
	acks := make(chan any)
	coalescer := changesource.NewAckCoalescer()

	go forwardAcks(ctx, acks, coalescer)
	st := &stream{conn: conn, cfg: cfg, logger: s.logger, relations: make(map[uint32]*trackedRelation), byName: make(map[string]uint32), typeMap: pgtype.NewMap()}
	go st.watchAcks(coalescer)
	go st.run(ctx, changes)

	return changesource.Subscription{Changes: changes, Acks: acks}, nil
}

// forwardAcks drains acks (the consumer's send-only view) into the
// coalescer, which retains only the most recently applied watermark for
// run's standby-status-update loop (spec §4.8, §9).
func forwardAcks(ctx context.Context, acks <-chan any, coalescer *changesource.AckCoalescer) {
	for {
		select {
		case token, ok := <-acks:
			if !ok {
				coalescer.Close()
				return
			}
			coalescer.Send(token)
		case <-ctx.Done():
			coalescer.Close()
			return
		}
	}
}

func watermarkToLSN(w watermark.Watermark) (pglogrepl.LSN, error) {
	if w.IsZero() {
		return 0, nil
	}
	v, err := strconv.ParseUint(w.String(), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed watermark %q: %w", w, err)
	}
	return pglogrepl.LSN(v), nil
}

func lsnWatermark(lsn pglogrepl.LSN) watermark.Watermark {
	return watermark.Watermark(fmt.Sprintf("%016x", uint64(lsn)))
}

func setupReplication(ctx context.Context, conn *pgconn.PgConn, cfg Config, startLSN pglogrepl.LSN) error {
	if err := ensurePublication(ctx, conn, cfg); err != nil {
		return fmt.Errorf("publication: %w", err)
	}

	sysID, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	if err := ensureSlot(ctx, conn, cfg.Slot, cfg.Plugin); err != nil {
		return fmt.Errorf("slot: %w", err)
	}

	if startLSN == 0 {
		startLSN = sysID.XLogPos
	}

	pluginArgs := []string{
		"proto_version '4'",
		fmt.Sprintf("publication_names '%s'", cfg.Publication),
		"messages 'true'",
		"streaming 'true'",
	}
	return pglogrepl.StartReplication(ctx, conn, cfg.Slot, startLSN, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs})
}

func ensureSlot(ctx context.Context, conn *pgconn.PgConn, name, plugin string) error {
	exists, err := checkExists(ctx, conn, "pg_replication_slots", "slot_name", name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, name, plugin, pglogrepl.CreateReplicationSlotOptions{Temporary: false})
	return err
}

func ensurePublication(ctx context.Context, conn *pgconn.PgConn, cfg Config) error {
	exists, err := checkExists(ctx, conn, "pg_publication", "pubname", cfg.Publication)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	var createStmt strings.Builder
	fmt.Fprintf(&createStmt, "CREATE PUBLICATION %s", cfg.Publication)
	pubObj := parsePublicationTables(cfg.Tables)
	switch {
	case pubObj.allTables:
		createStmt.WriteString(" FOR ALL TABLES")
	case len(pubObj.schemas) > 0:
		fmt.Fprintf(&createStmt, " FOR TABLES IN SCHEMA %s", strings.Join(pubObj.schemas, ", "))
	case len(pubObj.tables) > 0:
		fmt.Fprintf(&createStmt, " FOR TABLE %s", strings.Join(pubObj.tables, ", "))
	}

	if _, err := conn.Exec(ctx, createStmt.String()).ReadAll(); err != nil {
		return fmt.Errorf("create publication: %w", err)
	}
	return nil
}

func checkExists(ctx context.Context, conn *pgconn.PgConn, table, column, value string) (bool, error) {
	if table != "pg_publication" && table != "pg_replication_slots" {
		return false, fmt.Errorf("invalid table name")
	}
	if column != "pubname" && column != "slot_name" {
		return false, fmt.Errorf("invalid column name")
	}
	rows, err := conn.Exec(ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = '%s')", table, column, value)).ReadAll()
	if err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return len(rows) > 0 && len(rows[0].Rows) > 0 && string(rows[0].Rows[0][0]) == "t", nil
}

type tablePattern struct {
	allTables bool
	schemas   []string
	tables    []string
}

func parsePublicationTables(patterns []string) tablePattern {
	var tp tablePattern
	for _, p := range patterns {
		if p == "*" || p == "*.*" {
			return tablePattern{allTables: true}
		}
		if idx := strings.LastIndex(p, ".*"); idx > 0 {
			tp.schemas = append(tp.schemas, p[:idx])
			continue
		}
		tp.tables = append(tp.tables, p)
	}
	return tp
}

// stream owns the decode loop's mutable state for one subscription.
type stream struct {
	conn      *pgconn.PgConn
	cfg       Config
	logger    *zap.Logger
	relations map[uint32]*trackedRelation
	byName    map[string]uint32
	typeMap   *pgtype.Map
	inStream  bool

	ackMu    sync.Mutex
	lastAck  pglogrepl.LSN
	haveAck  bool
}

// watchAcks runs the only goroutine that calls coalescer.Recv (which
// blocks), recording the most recent applied watermark so run's
// standby-status loop can read it without blocking on a slow consumer.
func (st *stream) watchAcks(coalescer *changesource.AckCoalescer) {
	for {
		tok, ok := coalescer.Recv()
		if !ok {
			return
		}
		w, ok := tok.(watermark.Watermark)
		if !ok {
			continue
		}
		lsn, err := watermarkToLSN(w)
		if err != nil {
			continue
		}
		st.ackMu.Lock()
		st.lastAck, st.haveAck = lsn, true
		st.ackMu.Unlock()
	}
}

func (st *stream) latestAck() (pglogrepl.LSN, bool) {
	st.ackMu.Lock()
	defer st.ackMu.Unlock()
	return st.lastAck, st.haveAck
}

func (st *stream) run(ctx context.Context, changes chan<- changesource.Message) {
	defer close(changes)
	defer st.conn.Close(context.Background())

	nextStandby := time.Now().Add(st.cfg.StandbyUpdateInterval)
	var walPos pglogrepl.LSN

	for {
		if now := time.Now(); now.After(nextStandby) {
			if lsn, ok := st.latestAck(); ok && lsn > walPos {
				walPos = lsn
			}
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, st.conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: walPos}); err != nil {
				st.logf("standby status update failed", err)
				return
			}
			nextStandby = time.Now().Add(st.cfg.StandbyUpdateInterval)
		}

		msgCtx, cancel := context.WithDeadline(ctx, nextStandby)
		msg, err := st.conn.ReceiveMessage(msgCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if pgconn.Timeout(err) {
				continue
			}
			st.logf("receive message failed", err)
			return
		}

		copyData, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err == nil && pkm.ServerWALEnd > walPos {
				walPos = pkm.ServerWALEnd
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				continue
			}
			if xld.WALStart > walPos {
				walPos = xld.WALStart
			}
			for _, out := range st.decode(xld.WALData) {
				select {
				case changes <- out:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (st *stream) logf(msg string, err error) {
	if st.logger != nil {
		st.logger.Error(msg, zap.Error(err))
	}
}

func (st *stream) decode(walData []byte) []changesource.Message {
	logicalMsg, err := pglogrepl.ParseV2(walData, st.inStream)
	if err != nil {
		st.logf("parse logical message failed", err)
		return nil
	}

	switch m := logicalMsg.(type) {
	case *pglogrepl.BeginMessage:
		return []changesource.Message{{Tag: changesource.TagBegin, CommitWatermark: lsnWatermark(m.FinalLSN)}}

	case *pglogrepl.CommitMessage:
		return []changesource.Message{{Tag: changesource.TagCommit, Watermark: lsnWatermark(m.CommitLSN)}}

	case *pglogrepl.RelationMessageV2:
		return st.handleRelation(m)

	case *pglogrepl.InsertMessageV2:
		return st.handleInsert(m)

	case *pglogrepl.UpdateMessageV2:
		return st.handleUpdate(m)

	case *pglogrepl.DeleteMessageV2:
		return st.handleDelete(m)

	case *pglogrepl.TruncateMessageV2:
		return st.handleTruncate(m)

	case *pglogrepl.LogicalDecodingMessageV2:
		return st.handleLogicalMessage(m)

	case *pglogrepl.StreamStartMessageV2:
		st.inStream = true
	case *pglogrepl.StreamStopMessageV2:
		st.inStream = false
	}
	return nil
}

func (st *stream) handleRelation(m *pglogrepl.RelationMessageV2) []changesource.Message {
	next := relationToTracked(m, st.typeMap)
	prev := st.relations[m.RelationID]
	st.relations[m.RelationID] = next
	st.byName[next.name] = m.RelationID

	if prev == nil {
		return []changesource.Message{{Tag: changesource.TagCreateTable, Spec: next.toTableSpec()}}
	}
	if prev.name != next.name {
		reset := []changesource.Message{
			{Tag: changesource.TagRenameTable, OldTable: prev.name, NewTable: next.name},
		}
		return append(reset, diffRelations(prev, next)...)
	}
	return diffRelations(prev, next)
}

func (st *stream) handleLogicalMessage(m *pglogrepl.LogicalDecodingMessageV2) []changesource.Message {
	if m.Prefix != ddlMessagePrefix {
		return nil
	}
	msgs, err := parseDDLMessage(string(m.Content))
	if err != nil {
		st.logf("parse ddl message failed", err)
		return nil
	}
	for _, dm := range msgs {
		st.applySynthesizedDDL(dm)
	}
	return msgs
}

// applySynthesizedDDL mutates this stream's tracked relation shadow copy to
// match a DDL message already derived from parsed statement text, so a
// later RelationMessageV2 for the same table diffs as unchanged instead of
// re-deriving (and duplicating) the same column delta.
func (st *stream) applySynthesizedDDL(msg changesource.Message) {
	id, ok := st.byName[msg.Table]
	if !ok {
		return
	}
	rel := st.relations[id]
	if rel == nil {
		return
	}
	switch msg.Tag {
	case changesource.TagAddColumn:
		rel.columns = append(rel.columns, msg.Column)
	case changesource.TagDropColumn:
		rel.columns = removeColumn(rel.columns, msg.OldColumn.Name)
	case changesource.TagUpdateColumn:
		for i, c := range rel.columns {
			if c.Name == msg.OldColumn.Name {
				if msg.NewColumn.Name != "" {
					c.Name = msg.NewColumn.Name
				}
				if msg.NewColumn.DataType != "" {
					c.DataType = msg.NewColumn.DataType
				}
				rel.columns[i] = c
			}
		}
	case changesource.TagRenameTable:
		delete(st.byName, msg.OldTable)
		rel.name = msg.NewTable
		st.byName[msg.NewTable] = id
	}
}

func removeColumn(cols []changesource.ColumnSpec, name string) []changesource.ColumnSpec {
	out := cols[:0]
	for _, c := range cols {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return out
}

func (st *stream) handleInsert(m *pglogrepl.InsertMessageV2) []changesource.Message {
	rel := st.relations[m.RelationID]
	if rel == nil {
		return nil
	}
	row := rowFromTuple(m.Tuple, rel.raw, st.typeMap)
	return []changesource.Message{{Tag: changesource.TagInsert, Relation: rel.toRelation(), New: row}}
}

func (st *stream) handleUpdate(m *pglogrepl.UpdateMessageV2) []changesource.Message {
	rel := st.relations[m.RelationID]
	if rel == nil {
		return nil
	}
	newRow := rowFromTuple(m.NewTuple, rel.raw, st.typeMap)
	msg := changesource.Message{Tag: changesource.TagUpdate, Relation: rel.toRelation(), New: newRow}
	if m.OldTuple != nil {
		msg.Old = rowFromTuple(m.OldTuple, rel.raw, st.typeMap)
		oldKey := keySubset(msg.Old, rel.keyColumns)
		newKey := keySubset(newRow, rel.keyColumns)
		if !reflect.DeepEqual(oldKey, newKey) {
			msg.OldKey = oldKey
		}
	}
	return []changesource.Message{msg}
}

func (st *stream) handleDelete(m *pglogrepl.DeleteMessageV2) []changesource.Message {
	rel := st.relations[m.RelationID]
	if rel == nil || m.OldTuple == nil {
		return nil
	}
	old := rowFromTuple(m.OldTuple, rel.raw, st.typeMap)
	return []changesource.Message{{Tag: changesource.TagDelete, Relation: rel.toRelation(), Key: keySubset(old, rel.keyColumns)}}
}

func (st *stream) handleTruncate(m *pglogrepl.TruncateMessageV2) []changesource.Message {
	var rels []changesource.Relation
	for _, id := range m.RelationIDs {
		if rel := st.relations[id]; rel != nil {
			rels = append(rels, rel.toRelation())
		}
	}
	if len(rels) == 0 {
		return nil
	}
	return []changesource.Message{{Tag: changesource.TagTruncate, Relations: rels}}
}

// keySubset projects row down to its key columns, used to build OldKey/Key
// payloads (spec §3 Row Key) from a fully-decoded old tuple.
func keySubset(row replica.Row, keys []string) replica.Row {
	if len(keys) == 0 {
		return nil
	}
	out := make(replica.Row, len(keys))
	for _, k := range keys {
		if v, ok := row[k]; ok {
			out[k] = v
		}
	}
	return out
}
