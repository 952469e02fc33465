package dataset

import (
	"fmt"
	"strconv"
	"strings"
)

// Apply implements aof.ReplayClient. It dispatches the small command
// vocabulary the serializer emits; anything else is reported so the
// loader can wrap it in ErrUnknownCommand.
func (d *Dataset) Apply(db int, argv [][]byte) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty argv")
	}
	name := strings.ToUpper(string(argv[0]))
	args := argv[1:]

	switch name {
	case "SET":
		return d.applySet(db, args)
	case "DEL":
		return d.applyDel(db, args)
	case "PEXPIREAT":
		return d.applyPexpireat(db, args)
	case "RPUSH":
		return d.applyRPush(db, args)
	case "SADD":
		return d.applySAdd(db, args)
	case "ZADD":
		return d.applyZAdd(db, args)
	case "HMSET":
		return d.applyHMSet(db, args)
	case "HPEXPIREAT":
		return d.applyHPExpireAt(db, args)
	case "XADD":
		return d.applyXAdd(db, args)
	case "XSETID":
		return d.applyXSetID(db, args)
	case "XGROUP":
		return d.applyXGroup(db, args)
	case "XCLAIM":
		return d.applyXClaim(db, args)
	default:
		return fmt.Errorf("no handler registered")
	}
}

func s(b []byte) string { return string(b) }

func (d *Dataset) applySet(db int, args [][]byte) error {
	if len(args) != 2 {
		return fmt.Errorf("SET wants 2 args, got %d", len(args))
	}
	d.Set(db, s(args[0]), NewString(s(args[1])))
	return nil
}

func (d *Dataset) applyDel(db int, args [][]byte) error {
	if len(args) != 1 {
		return fmt.Errorf("DEL wants 1 arg, got %d", len(args))
	}
	d.Delete(db, s(args[0]))
	return nil
}

func (d *Dataset) applyPexpireat(db int, args [][]byte) error {
	if len(args) != 2 {
		return fmt.Errorf("PEXPIREAT wants 2 args, got %d", len(args))
	}
	ms, err := strconv.ParseInt(s(args[1]), 10, 64)
	if err != nil {
		return fmt.Errorf("PEXPIREAT: bad timestamp: %w", err)
	}
	d.ExpireAt(db, s(args[0]), ms)
	return nil
}

func (d *Dataset) applyRPush(db int, args [][]byte) error {
	if len(args) < 2 {
		return fmt.Errorf("RPUSH wants a key and at least one element")
	}
	key := s(args[0])
	v, ok := d.Get(db, key)
	if !ok {
		v = NewList()
		d.Set(db, key, v)
	}
	if v.Kind != KindList {
		return fmt.Errorf("RPUSH against key %q holding a non-list value", key)
	}
	for _, e := range args[1:] {
		v.List = append(v.List, s(e))
	}
	return nil
}

func (d *Dataset) applySAdd(db int, args [][]byte) error {
	if len(args) < 2 {
		return fmt.Errorf("SADD wants a key and at least one member")
	}
	key := s(args[0])
	v, ok := d.Get(db, key)
	if !ok {
		v = NewSet()
		d.Set(db, key, v)
	}
	if v.Kind != KindSet {
		return fmt.Errorf("SADD against key %q holding a non-set value", key)
	}
	for _, m := range args[1:] {
		v.Set[s(m)] = struct{}{}
	}
	return nil
}

func (d *Dataset) applyZAdd(db int, args [][]byte) error {
	if len(args) < 3 || len(args)%2 != 1 {
		return fmt.Errorf("ZADD wants a key and score/member pairs")
	}
	key := s(args[0])
	v, ok := d.Get(db, key)
	if !ok {
		v = NewZSet()
		d.Set(db, key, v)
	}
	if v.Kind != KindZSet {
		return fmt.Errorf("ZADD against key %q holding a non-zset value", key)
	}
	pairs := args[1:]
	for i := 0; i < len(pairs); i += 2 {
		score, err := strconv.ParseFloat(s(pairs[i]), 64)
		if err != nil {
			return fmt.Errorf("ZADD: bad score: %w", err)
		}
		v.ZSet.Add(s(pairs[i+1]), score)
	}
	return nil
}

func (d *Dataset) applyHMSet(db int, args [][]byte) error {
	if len(args) < 3 || len(args)%2 != 1 {
		return fmt.Errorf("HMSET wants a key and field/value pairs")
	}
	key := s(args[0])
	v, ok := d.Get(db, key)
	if !ok {
		v = NewHash()
		d.Set(db, key, v)
	}
	if v.Kind != KindHash {
		return fmt.Errorf("HMSET against key %q holding a non-hash value", key)
	}
	pairs := args[1:]
	for i := 0; i < len(pairs); i += 2 {
		field := s(pairs[i])
		existing := v.Hash[field]
		existing.Value = s(pairs[i+1])
		v.Hash[field] = existing
	}
	return nil
}

// applyHPExpireAt parses the wire form HPEXPIREAT <key> <ms> FIELDS <n>
// <field...>, matching the original rewriteAppendOnlyFile's per-field
// hash expiration record.
func (d *Dataset) applyHPExpireAt(db int, args [][]byte) error {
	if len(args) < 4 {
		return fmt.Errorf("HPEXPIREAT wants key, timestamp, FIELDS, count, field...")
	}
	key := s(args[0])
	v, ok := d.Get(db, key)
	if !ok || v.Kind != KindHash {
		return fmt.Errorf("HPEXPIREAT against missing or non-hash key %q", key)
	}
	ms, err := strconv.ParseInt(s(args[1]), 10, 64)
	if err != nil {
		return fmt.Errorf("HPEXPIREAT: bad timestamp: %w", err)
	}
	if strings.ToUpper(s(args[2])) != "FIELDS" {
		return fmt.Errorf("HPEXPIREAT: expected FIELDS token, got %q", s(args[2]))
	}
	n, err := strconv.Atoi(s(args[3]))
	if err != nil {
		return fmt.Errorf("HPEXPIREAT: bad field count: %w", err)
	}
	fields := args[4:]
	if len(fields) != n {
		return fmt.Errorf("HPEXPIREAT: FIELDS count %d does not match %d given field names", n, len(fields))
	}
	for _, raw := range fields {
		field := s(raw)
		hf, ok := v.Hash[field]
		if !ok {
			return fmt.Errorf("HPEXPIREAT against missing field %q on key %q", field, key)
		}
		hf.ExpireAtMs = ms
		v.Hash[field] = hf
	}
	return nil
}

func parseStreamID(raw string) (StreamID, error) {
	parts := strings.SplitN(raw, "-", 2)
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("bad stream id %q: %w", raw, err)
	}
	seq := int64(0)
	if len(parts) == 2 {
		seq, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("bad stream id %q: %w", raw, err)
		}
	}
	return StreamID{Ms: ms, Seq: seq}, nil
}

func (d *Dataset) streamValue(db int, key string) (*Value, error) {
	v, ok := d.Get(db, key)
	if !ok {
		v = NewStream()
		d.Set(db, key, v)
		return v, nil
	}
	if v.Kind != KindStream {
		return nil, fmt.Errorf("key %q does not hold a stream", key)
	}
	return v, nil
}

func (d *Dataset) applyXAdd(db int, args [][]byte) error {
	if len(args) < 3 || len(args)%2 != 0 {
		return fmt.Errorf("XADD wants key, id and field/value pairs")
	}
	key := s(args[0])
	v, err := d.streamValue(db, key)
	if err != nil {
		return err
	}
	id, err := parseStreamID(s(args[1]))
	if err != nil {
		return err
	}
	fields := args[2:]
	fv := make([]FieldValue, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		fv = append(fv, FieldValue{Field: s(fields[i]), Value: s(fields[i+1])})
	}
	v.Stream.Add(id, fv)
	return nil
}

func (d *Dataset) applyXSetID(db int, args [][]byte) error {
	if len(args) != 2 {
		return fmt.Errorf("XSETID wants key and id")
	}
	key := s(args[0])
	v, err := d.streamValue(db, key)
	if err != nil {
		return err
	}
	id, err := parseStreamID(s(args[1]))
	if err != nil {
		return err
	}
	v.Stream.SetID(id)
	return nil
}

// applyXGroup handles the two sub-forms the serializer emits:
// XGROUP CREATE key group id and XGROUP CREATECONSUMER key group consumer.
func (d *Dataset) applyXGroup(db int, args [][]byte) error {
	if len(args) < 4 {
		return fmt.Errorf("XGROUP wants at least 4 args")
	}
	sub := strings.ToUpper(s(args[0]))
	key := s(args[1])
	v, err := d.streamValue(db, key)
	if err != nil {
		return err
	}
	group := s(args[2])
	switch sub {
	case "CREATE":
		id, err := parseStreamID(s(args[3]))
		if err != nil {
			return err
		}
		v.Stream.CreateGroup(group, id)
		return nil
	case "CREATECONSUMER":
		g, ok := v.Stream.Group(group)
		if !ok {
			return fmt.Errorf("XGROUP CREATECONSUMER against missing group %q", group)
		}
		g.CreateConsumer(s(args[3]))
		return nil
	default:
		return fmt.Errorf("unsupported XGROUP subcommand %q", sub)
	}
}

// applyXClaim handles the replay-only shape this module emits:
// XCLAIM key group consumer min-idle-time id TIME <ms> RETRYCOUNT <n>
// JUSTID FORCE.
func (d *Dataset) applyXClaim(db int, args [][]byte) error {
	if len(args) < 9 {
		return fmt.Errorf("XCLAIM wants key group consumer min-idle id TIME ms RETRYCOUNT n JUSTID FORCE")
	}
	key := s(args[0])
	v, err := d.streamValue(db, key)
	if err != nil {
		return err
	}
	group := s(args[1])
	consumer := s(args[2])
	id, err := parseStreamID(s(args[4]))
	if err != nil {
		return err
	}

	var deliveryTimeMs, retryCount int64
	for i := 5; i+1 < len(args); i += 2 {
		switch strings.ToUpper(s(args[i])) {
		case "TIME":
			deliveryTimeMs, err = strconv.ParseInt(s(args[i+1]), 10, 64)
			if err != nil {
				return fmt.Errorf("XCLAIM: bad TIME: %w", err)
			}
		case "RETRYCOUNT":
			retryCount, err = strconv.ParseInt(s(args[i+1]), 10, 64)
			if err != nil {
				return fmt.Errorf("XCLAIM: bad RETRYCOUNT: %w", err)
			}
		}
	}

	g, ok := v.Stream.Group(group)
	if !ok {
		return fmt.Errorf("XCLAIM against missing group %q", group)
	}
	g.Claim(id, consumer, deliveryTimeMs, retryCount)
	return nil
}
