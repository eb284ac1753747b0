package cluster

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNoKey = errors.New("command has no routable key")

// CommandSpec locates the key of a command. Arity follows the server's
// convention: positive is exact, negative is a minimum, both counting the
// command name. FirstKey is the position of the routing key, the command
// name being position 0.
type CommandSpec struct {
	Arity    int
	FirstKey int
}

// commandTable lists the key-bearing commands the router can place. Commands
// without an entry (PING, INFO, SCAN, ...) have no slot.
var commandTable = map[string]CommandSpec{
	// strings
	"APPEND":      {3, 1},
	"DECR":        {2, 1},
	"DECRBY":      {3, 1},
	"GET":         {2, 1},
	"GETDEL":      {2, 1},
	"GETEX":       {-2, 1},
	"GETRANGE":    {4, 1},
	"GETSET":      {3, 1},
	"INCR":        {2, 1},
	"INCRBY":      {3, 1},
	"INCRBYFLOAT": {3, 1},
	"MGET":        {-2, 1},
	"MSET":        {-3, 1},
	"MSETNX":      {-3, 1},
	"PSETEX":      {4, 1},
	"SET":         {-3, 1},
	"SETEX":       {4, 1},
	"SETNX":       {3, 1},
	"SETRANGE":    {4, 1},
	"STRLEN":      {2, 1},
	"SUBSTR":      {4, 1},
	// bits
	"BITCOUNT":    {-2, 1},
	"BITFIELD":    {-2, 1},
	"BITFIELD_RO": {-2, 1},
	"BITOP":       {-4, 2},
	"BITPOS":      {-3, 1},
	"GETBIT":      {3, 1},
	"SETBIT":      {4, 1},
	// generic keyspace
	"COPY":       {-3, 1},
	"DEL":        {-2, 1},
	"DUMP":       {2, 1},
	"EXISTS":     {-2, 1},
	"EXPIRE":     {-3, 1},
	"EXPIREAT":   {-3, 1},
	"EXPIRETIME": {2, 1},
	"MOVE":       {3, 1},
	"OBJECT":     {-3, 2},
	"PERSIST":    {2, 1},
	"PEXPIRE":    {-3, 1},
	"PEXPIREAT":  {-3, 1},
	"PTTL":       {2, 1},
	"RENAME":     {3, 1},
	"RENAMENX":   {3, 1},
	"RESTORE":    {-4, 1},
	"SORT":       {-2, 1},
	"SORT_RO":    {-2, 1},
	"TOUCH":      {-2, 1},
	"TTL":        {2, 1},
	"TYPE":       {2, 1},
	"UNLINK":     {-2, 1},
	"MEMORY":     {-2, 2},
	// hashes
	"HDEL":         {-3, 1},
	"HEXISTS":      {3, 1},
	"HGET":         {3, 1},
	"HGETALL":      {2, 1},
	"HINCRBY":      {4, 1},
	"HINCRBYFLOAT": {4, 1},
	"HKEYS":        {2, 1},
	"HLEN":         {2, 1},
	"HMGET":        {-3, 1},
	"HMSET":        {-4, 1},
	"HRANDFIELD":   {-2, 1},
	"HSCAN":        {-3, 1},
	"HSET":         {-4, 1},
	"HSETNX":       {4, 1},
	"HSTRLEN":      {3, 1},
	"HVALS":        {2, 1},
	// lists
	"BLMOVE":     {6, 1},
	"BLPOP":      {-3, 1},
	"BRPOP":      {-3, 1},
	"BRPOPLPUSH": {4, 1},
	"LINDEX":     {3, 1},
	"LINSERT":    {5, 1},
	"LLEN":       {2, 1},
	"LMOVE":      {5, 1},
	"LPOP":       {-2, 1},
	"LPOS":       {-3, 1},
	"LPUSH":      {-3, 1},
	"LPUSHX":     {-3, 1},
	"LRANGE":     {4, 1},
	"LREM":       {4, 1},
	"LSET":       {4, 1},
	"LTRIM":      {4, 1},
	"RPOP":       {-2, 1},
	"RPOPLPUSH":  {3, 1},
	"RPUSH":      {-3, 1},
	"RPUSHX":     {-3, 1},
	// sets
	"SADD":        {-3, 1},
	"SCARD":       {2, 1},
	"SDIFF":       {-2, 1},
	"SDIFFSTORE":  {-3, 1},
	"SINTER":      {-2, 1},
	"SINTERSTORE": {-3, 1},
	"SISMEMBER":   {3, 1},
	"SMEMBERS":    {2, 1},
	"SMISMEMBER":  {-3, 1},
	"SMOVE":       {4, 1},
	"SPOP":        {-2, 1},
	"SRANDMEMBER": {-2, 1},
	"SREM":        {-3, 1},
	"SSCAN":       {-3, 1},
	"SUNION":      {-2, 1},
	"SUNIONSTORE": {-3, 1},
	// sorted sets
	"BZPOPMAX":         {-3, 1},
	"BZPOPMIN":         {-3, 1},
	"ZADD":             {-4, 1},
	"ZCARD":            {2, 1},
	"ZCOUNT":           {4, 1},
	"ZINCRBY":          {4, 1},
	"ZLEXCOUNT":        {4, 1},
	"ZMSCORE":          {-3, 1},
	"ZPOPMAX":          {-2, 1},
	"ZPOPMIN":          {-2, 1},
	"ZRANDMEMBER":      {-2, 1},
	"ZRANGE":           {-4, 1},
	"ZRANGEBYLEX":      {-4, 1},
	"ZRANGEBYSCORE":    {-4, 1},
	"ZRANGESTORE":      {-5, 1},
	"ZRANK":            {-3, 1},
	"ZREM":             {-3, 1},
	"ZREMRANGEBYLEX":   {4, 1},
	"ZREMRANGEBYRANK":  {4, 1},
	"ZREMRANGEBYSCORE": {4, 1},
	"ZREVRANGE":        {-4, 1},
	"ZREVRANGEBYLEX":   {-4, 1},
	"ZREVRANGEBYSCORE": {-4, 1},
	"ZREVRANK":         {-3, 1},
	"ZSCAN":            {-3, 1},
	"ZSCORE":           {3, 1},
	// hyperloglog
	"PFADD":   {-2, 1},
	"PFCOUNT": {-2, 1},
	"PFMERGE": {-2, 1},
	// geo
	"GEOADD":            {-5, 1},
	"GEODIST":           {-4, 1},
	"GEOHASH":           {-2, 1},
	"GEOPOS":            {-2, 1},
	"GEOSEARCH":         {-7, 1},
	"GEOSEARCHSTORE":    {-8, 1},
	"GEORADIUS":         {-6, 1},
	"GEORADIUSBYMEMBER": {-5, 1},
	// streams
	"XACK":       {-4, 1},
	"XADD":       {-5, 1},
	"XAUTOCLAIM": {-6, 1},
	"XCLAIM":     {-6, 1},
	"XDEL":       {-3, 1},
	"XGROUP":     {-2, 2},
	"XINFO":      {-2, 2},
	"XLEN":       {2, 1},
	"XPENDING":   {-3, 1},
	"XRANGE":     {-4, 1},
	"XREVRANGE":  {-4, 1},
	"XSETID":     {-3, 1},
	"XTRIM":      {-4, 1},
	// numkeys layouts: [dest] numkeys key...
	"ZUNIONSTORE": {-4, 1},
	"ZINTERSTORE": {-4, 1},
	"ZDIFFSTORE":  {-4, 1},
	"ZUNION":      {-3, 2},
	"ZINTER":      {-3, 2},
	"ZDIFF":       {-3, 2},
	"ZINTERCARD":  {-3, 2},
	"SINTERCARD":  {-3, 2},
	"LMPOP":       {-4, 2},
	"ZMPOP":       {-4, 2},
	"BLMPOP":      {-5, 3},
	"BZMPOP":      {-5, 3},
	// scripting: EVAL script numkeys key...
	"EVAL":       {-3, 3},
	"EVALSHA":    {-3, 3},
	"EVAL_RO":    {-3, 3},
	"EVALSHA_RO": {-3, 3},
	"FCALL":      {-3, 3},
	"FCALL_RO":   {-3, 3},
	// pub/sub on shard channels
	"PUBLISH":  {3, 1},
	"SPUBLISH": {3, 1},
	// transactions
	"WATCH": {-2, 1},
}

// numKeysAt gives the position of the numkeys argument for commands whose
// key list may be empty. A zero count leaves nothing to route by.
var numKeysAt = map[string]int{
	"EVAL":       2,
	"EVALSHA":    2,
	"EVAL_RO":    2,
	"EVALSHA_RO": 2,
	"FCALL":      2,
	"FCALL_RO":   2,
	"ZUNION":     1,
	"ZINTER":     1,
	"ZDIFF":      1,
	"ZINTERCARD": 1,
	"SINTERCARD": 1,
	"LMPOP":      1,
	"ZMPOP":      1,
	"BLMPOP":     2,
	"BZMPOP":     2,
}

// LookupCommand returns the key layout of cmd, case-insensitively.
func LookupCommand(cmd string) (CommandSpec, bool) {
	spec, ok := commandTable[strings.ToUpper(cmd)]
	return spec, ok
}

// routingKey returns the key cmd would be routed by. args excludes the
// command name.
func routingKey(cmd string, args [][]byte) ([]byte, error) {
	spec, ok := LookupCommand(cmd)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKey, cmd)
	}
	argc := len(args) + 1
	if (spec.Arity > 0 && argc != spec.Arity) || (spec.Arity < 0 && argc < -spec.Arity) {
		return nil, fmt.Errorf("wrong number of arguments for %s: %d", strings.ToUpper(cmd), argc)
	}
	if spec.FirstKey > len(args) {
		return nil, fmt.Errorf("%w: %s", ErrNoKey, cmd)
	}
	if pos, ok := numKeysAt[strings.ToUpper(cmd)]; ok && string(args[pos-1]) == "0" {
		return nil, fmt.Errorf("%w: %s declares no keys", ErrNoKey, cmd)
	}
	return args[spec.FirstKey-1], nil
}
