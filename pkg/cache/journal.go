package cache

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	journalFile    = "journal"
	journalMagic   = "guardian.disklru"
	journalVersion = "1"

	opClean  = "CLEAN"
	opRead   = "READ"
	opRemove = "REMOVE"

	// compactThreshold is the number of redundant records tolerated before
	// the journal is rewritten
	compactThreshold = 2000
)

var errJournalCorrupt = errors.New("cache: journal corrupt")

// journalRecord is one line of the journal:
//
//	CLEAN <key> <header size> <body size>
//	READ <key>
//	REMOVE <key>
type journalRecord struct {
	op         string
	key        string
	headerSize int64
	bodySize   int64
}

func (r journalRecord) String() string {
	if r.op == opClean {
		return fmt.Sprintf("%s %s %d %d\n", r.op, r.key, r.headerSize, r.bodySize)
	}
	return fmt.Sprintf("%s %s\n", r.op, r.key)
}

func journalHeader() string {
	return journalMagic + "\n" + journalVersion + "\n\n"
}

// readJournal parses a journal stream. A final line without a newline was
// cut short by a crash; it is dropped and truncated is set so the caller can
// rewrite the file.
func readJournal(r io.Reader) (records []journalRecord, truncated bool, err error) {
	br := bufio.NewReader(r)

	for i, want := range []string{journalMagic, journalVersion, ""} {
		line, err := br.ReadString('\n')
		if err != nil || strings.TrimSuffix(line, "\n") != want {
			return nil, false, fmt.Errorf("%w: bad header line %d", errJournalCorrupt, i+1)
		}
	}

	for {
		line, err := br.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return records, line != "", nil
		}
		if err != nil {
			return nil, false, err
		}

		rec, err := parseRecord(strings.TrimSuffix(line, "\n"))
		if err != nil {
			return nil, false, err
		}
		records = append(records, rec)
	}
}

func parseRecord(line string) (journalRecord, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !validKey(fields[1]) {
		return journalRecord{}, fmt.Errorf("%w: %q", errJournalCorrupt, line)
	}

	rec := journalRecord{op: fields[0], key: fields[1]}
	switch rec.op {
	case opClean:
		if len(fields) != 4 {
			return journalRecord{}, fmt.Errorf("%w: %q", errJournalCorrupt, line)
		}
		var err1, err2 error
		rec.headerSize, err1 = strconv.ParseInt(fields[2], 10, 64)
		rec.bodySize, err2 = strconv.ParseInt(fields[3], 10, 64)
		if err1 != nil || err2 != nil || rec.headerSize < 0 || rec.bodySize < 0 {
			return journalRecord{}, fmt.Errorf("%w: %q", errJournalCorrupt, line)
		}
	case opRead, opRemove:
		if len(fields) != 2 {
			return journalRecord{}, fmt.Errorf("%w: %q", errJournalCorrupt, line)
		}
	default:
		return journalRecord{}, fmt.Errorf("%w: unknown op %q", errJournalCorrupt, rec.op)
	}

	return rec, nil
}
