package pg

// Statements exposes the generated SQL of a table for tests.
func Statements(table string) (map[string]string, error) {
	s, err := newStatements(table)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"insert":        s.insert,
		"insertWithID":  s.insertWithID,
		"remove":        s.remove,
		"ready":         s.ready,
		"readyByOwner":  s.readyByOwner,
		"fromIDs":       s.fromIDs,
		"claim":         s.claim,
		"claimMany":     s.claimMany,
		"leftBehind":    s.leftBehind,
		"updateOnError": s.updateOnError,
		"countReady":    s.countReady,
		"availableIDs":  s.availableIDs,
		"createdBefore": s.createdBefore,
	}, nil
}
