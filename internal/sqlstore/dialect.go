package sqlstore

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dialect holds what differs between the supported databases.
type dialect struct {
	name string
	// schema statements, run one at a time.
	schema []string
	// lock is appended to the instance read in LockInstance.
	lock            string
	uniqueViolation func(error) bool
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS process_instances (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			no          TEXT NOT NULL DEFAULT '',
			name        TEXT NOT NULL DEFAULT '',
			process_id  TEXT NOT NULL,
			property    TEXT NOT NULL DEFAULT 'normal',
			create_user TEXT NOT NULL DEFAULT '',
			object_type TEXT NOT NULL,
			object_id   TEXT NOT NULL,
			create_time DATETIME NOT NULL,
			start_time  DATETIME,
			end_time    DATETIME,
			cur_node    TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			version     INTEGER NOT NULL,
			UNIQUE (object_type, object_id)
		)`,
		`CREATE TABLE IF NOT EXISTS process_tasks (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id  INTEGER NOT NULL,
			node_id      TEXT NOT NULL,
			user_id      TEXT NOT NULL DEFAULT '',
			agent_user   TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			receive_time DATETIME,
			is_hold      BOOLEAN NOT NULL DEFAULT 0,
			create_time  DATETIME NOT NULL,
			version      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS process_tasks_instance_node ON process_tasks (instance_id, node_id, status)`,
		`CREATE TABLE IF NOT EXISTS process_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id INTEGER NOT NULL,
			user_id     TEXT NOT NULL DEFAULT '',
			act_type    TEXT NOT NULL,
			act_name    TEXT NOT NULL DEFAULT '',
			old_node    TEXT NOT NULL DEFAULT '',
			new_node    TEXT NOT NULL DEFAULT '',
			task_id     INTEGER,
			description TEXT NOT NULL DEFAULT '',
			ext_data    TEXT,
			create_time DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS process_events_instance ON process_events (instance_id, create_time, id)`,
	},
	// One connection serializes every transaction.
	lock: "",
	uniqueViolation: func(err error) bool {
		var se *sqlite.Error
		return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	},
}

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS process_instances (
			id          BIGINT AUTO_INCREMENT PRIMARY KEY,
			no          VARCHAR(64) NOT NULL DEFAULT '',
			name        VARCHAR(255) NOT NULL DEFAULT '',
			process_id  VARCHAR(128) NOT NULL,
			property    VARCHAR(32) NOT NULL DEFAULT 'normal',
			create_user VARCHAR(128) NOT NULL DEFAULT '',
			object_type VARCHAR(128) NOT NULL,
			object_id   VARCHAR(128) NOT NULL,
			create_time DATETIME(6) NOT NULL,
			start_time  DATETIME(6) NULL,
			end_time    DATETIME(6) NULL,
			cur_node    VARCHAR(128) NOT NULL,
			description TEXT NOT NULL,
			version     INT NOT NULL,
			UNIQUE KEY uk_process_instances_object (object_type, object_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS process_tasks (
			id           BIGINT AUTO_INCREMENT PRIMARY KEY,
			instance_id  BIGINT NOT NULL,
			node_id      VARCHAR(128) NOT NULL,
			user_id      VARCHAR(128) NOT NULL DEFAULT '',
			agent_user   VARCHAR(128) NOT NULL DEFAULT '',
			status       VARCHAR(32) NOT NULL,
			receive_time DATETIME(6) NULL,
			is_hold      TINYINT(1) NOT NULL DEFAULT 0,
			create_time  DATETIME(6) NOT NULL,
			version      INT NOT NULL,
			INDEX idx_process_tasks_instance_node (instance_id, node_id, status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS process_events (
			id          BIGINT AUTO_INCREMENT PRIMARY KEY,
			instance_id BIGINT NOT NULL,
			user_id     VARCHAR(128) NOT NULL DEFAULT '',
			act_type    VARCHAR(32) NOT NULL,
			act_name    VARCHAR(255) NOT NULL DEFAULT '',
			old_node    VARCHAR(128) NOT NULL DEFAULT '',
			new_node    VARCHAR(128) NOT NULL DEFAULT '',
			task_id     BIGINT NULL,
			description TEXT NOT NULL,
			ext_data    TEXT NULL,
			create_time DATETIME(6) NOT NULL,
			INDEX idx_process_events_instance (instance_id, create_time, id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	lock: " FOR UPDATE",
	uniqueViolation: func(err error) bool {
		var me *mysql.MySQLError
		return errors.As(err, &me) && me.Number == 1062
	},
}
