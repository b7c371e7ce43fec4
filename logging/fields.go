package logging

import "github.com/sirupsen/logrus"

// HandleFields identifies one entity handle in log entries.
func HandleFields(namespace, entityID, key string) logrus.Fields {
	return logrus.Fields{
		"namespace": namespace,
		"entity":    entityID,
		"key":       key,
	}
}

// SaveFields describes one save attempt.
func SaveFields(saveID string, attempt int) logrus.Fields {
	return logrus.Fields{
		"save_id": saveID,
		"attempt": attempt,
	}
}
