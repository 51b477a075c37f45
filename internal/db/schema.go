package db

// SchemaVersion is the current database schema version
const SchemaVersion = 1

// Every synced table carries the same bookkeeping columns:
// pending_sync marks unacknowledged local edits, sync_token is the
// server-assigned version, deleted_at marks a tombstone.
const schema = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    group_id TEXT NOT NULL DEFAULT '',
    paid_by_member_id TEXT NOT NULL DEFAULT '',
    category_id TEXT NOT NULL DEFAULT '',
    context_id TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT 'expense',
    amount TEXT NOT NULL DEFAULT '0',
    date TEXT NOT NULL,
    year_month TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    recurring_id TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT,
    pending_sync INTEGER NOT NULL DEFAULT 1,
    sync_token INTEGER
);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_pending ON transactions(pending_sync);
CREATE INDEX IF NOT EXISTS idx_transactions_deleted ON transactions(deleted_at);
CREATE INDEX IF NOT EXISTS idx_transactions_year_month ON transactions(user_id, year_month);
CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(date);

CREATE TABLE IF NOT EXISTS categories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    group_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL,
    icon TEXT NOT NULL DEFAULT '',
    color TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT 'expense',
    parent_id TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT,
    pending_sync INTEGER NOT NULL DEFAULT 1,
    sync_token INTEGER
);
CREATE INDEX IF NOT EXISTS idx_categories_user ON categories(user_id);
CREATE INDEX IF NOT EXISTS idx_categories_pending ON categories(pending_sync);
CREATE INDEX IF NOT EXISTS idx_categories_deleted ON categories(deleted_at);

CREATE TABLE IF NOT EXISTS contexts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT,
    pending_sync INTEGER NOT NULL DEFAULT 1,
    sync_token INTEGER
);
CREATE INDEX IF NOT EXISTS idx_contexts_user ON contexts(user_id);
CREATE INDEX IF NOT EXISTS idx_contexts_pending ON contexts(pending_sync);
CREATE INDEX IF NOT EXISTS idx_contexts_deleted ON contexts(deleted_at);

CREATE TABLE IF NOT EXISTS recurring_transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    group_id TEXT NOT NULL DEFAULT '',
    paid_by_member_id TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT 'expense',
    category_id TEXT NOT NULL DEFAULT '',
    context_id TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL DEFAULT '0',
    description TEXT NOT NULL DEFAULT '',
    frequency TEXT NOT NULL,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    last_generated TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT,
    pending_sync INTEGER NOT NULL DEFAULT 1,
    sync_token INTEGER
);
CREATE INDEX IF NOT EXISTS idx_recurring_user ON recurring_transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_recurring_pending ON recurring_transactions(pending_sync);
CREATE INDEX IF NOT EXISTS idx_recurring_deleted ON recurring_transactions(deleted_at);

CREATE TABLE IF NOT EXISTS "groups" (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_by TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT,
    pending_sync INTEGER NOT NULL DEFAULT 1,
    sync_token INTEGER
);
CREATE INDEX IF NOT EXISTS idx_groups_user ON "groups"(user_id);
CREATE INDEX IF NOT EXISTS idx_groups_pending ON "groups"(pending_sync);
CREATE INDEX IF NOT EXISTS idx_groups_deleted ON "groups"(deleted_at);

CREATE TABLE IF NOT EXISTS group_members (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    group_id TEXT NOT NULL,
    member_user_id TEXT NOT NULL DEFAULT '',
    share TEXT NOT NULL DEFAULT '0',
    is_guest INTEGER NOT NULL DEFAULT 0,
    guest_name TEXT NOT NULL DEFAULT '',
    removed_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT,
    pending_sync INTEGER NOT NULL DEFAULT 1,
    sync_token INTEGER
);
CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id);
CREATE INDEX IF NOT EXISTS idx_group_members_group ON group_members(group_id);
CREATE INDEX IF NOT EXISTS idx_group_members_pending ON group_members(pending_sync);
CREATE INDEX IF NOT EXISTS idx_group_members_deleted ON group_members(deleted_at);

CREATE TABLE IF NOT EXISTS category_budgets (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    category_id TEXT NOT NULL,
    amount TEXT NOT NULL DEFAULT '0',
    period TEXT NOT NULL DEFAULT 'monthly',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT,
    pending_sync INTEGER NOT NULL DEFAULT 1,
    sync_token INTEGER
);
CREATE INDEX IF NOT EXISTS idx_category_budgets_user ON category_budgets(user_id);
CREATE INDEX IF NOT EXISTS idx_category_budgets_pending ON category_budgets(pending_sync);
CREATE INDEX IF NOT EXISTS idx_category_budgets_deleted ON category_budgets(deleted_at);

-- One row per user; id is the user id.
CREATE TABLE IF NOT EXISTS user_settings (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    currency TEXT NOT NULL DEFAULT 'EUR',
    theme TEXT NOT NULL DEFAULT 'system',
    budget_target TEXT NOT NULL DEFAULT '0',
    last_sync_token INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT,
    pending_sync INTEGER NOT NULL DEFAULT 1,
    sync_token INTEGER
);
CREATE INDEX IF NOT EXISTS idx_user_settings_user ON user_settings(user_id);
CREATE INDEX IF NOT EXISTS idx_user_settings_pending ON user_settings(pending_sync);
CREATE INDEX IF NOT EXISTS idx_user_settings_deleted ON user_settings(deleted_at);

CREATE TABLE IF NOT EXISTS profiles (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    email TEXT NOT NULL DEFAULT '',
    full_name TEXT NOT NULL DEFAULT '',
    avatar_url TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT,
    pending_sync INTEGER NOT NULL DEFAULT 1,
    sync_token INTEGER
);
CREATE INDEX IF NOT EXISTS idx_profiles_user ON profiles(user_id);
CREATE INDEX IF NOT EXISTS idx_profiles_pending ON profiles(pending_sync);
CREATE INDEX IF NOT EXISTS idx_profiles_deleted ON profiles(deleted_at);

CREATE TABLE IF NOT EXISTS import_rules (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    pattern TEXT NOT NULL,
    match_type TEXT NOT NULL DEFAULT 'contains',
    category_id TEXT NOT NULL,
    context_id TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT,
    pending_sync INTEGER NOT NULL DEFAULT 1,
    sync_token INTEGER
);
CREATE INDEX IF NOT EXISTS idx_import_rules_user ON import_rules(user_id);
CREATE INDEX IF NOT EXISTS idx_import_rules_pending ON import_rules(pending_sync);
CREATE INDEX IF NOT EXISTS idx_import_rules_deleted ON import_rules(deleted_at);

-- Local rows overwritten by the remote authority (last-writer-wins).
CREATE TABLE IF NOT EXISTS sync_conflicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    sync_token INTEGER NOT NULL,
    local_data TEXT,
    remote_data TEXT,
    overwritten_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_entity ON sync_conflicts(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS sync_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    direction TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    sync_token INTEGER,
    deleted INTEGER NOT NULL DEFAULT 0,
    timestamp TEXT NOT NULL
);
`
