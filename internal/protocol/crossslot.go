package protocol

type keyExtractor func(args [][]byte) [][]byte

// multiKeyCommands maps commands that may touch several keys to their key
// extractors. Their key sets are checked as a unit so cross-slot requests
// are rejected before execution.
var multiKeyCommands = map[string]keyExtractor{
	"MGET":   extractAllKeys,
	"MSET":   extractMSetKeys,
	"DEL":    extractAllKeys,
	"EXISTS": extractAllKeys,
}

// singleKeyCommands take their key as the first argument.
var singleKeyCommands = map[string]bool{
	"GET": true,
	"SET": true,
}

func extractAllKeys(args [][]byte) [][]byte {
	return args
}

func extractMSetKeys(args [][]byte) [][]byte {
	if len(args) < 2 {
		return nil
	}
	keys := make([][]byte, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		keys = append(keys, args[i])
	}
	return keys
}

// commandKeys returns the keys a command addresses, or nil for commands
// that bypass routing (KEYS, DBSIZE, admin commands).
func commandKeys(cmd string, args [][]byte) [][]byte {
	if extractor, ok := multiKeyCommands[cmd]; ok {
		return extractor(args)
	}
	if singleKeyCommands[cmd] && len(args) > 0 {
		return args[:1]
	}
	return nil
}
