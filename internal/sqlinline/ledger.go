package sqlinline

// The debit side of the ledger lives inside QAdmitVideoJob so the cap check
// and the charge commit or roll back together.

const QGetTokenBalance = `--sql dc9086ab-1313-48f5-8b5c-53a75c34693b
select balance
from token_accounts
where user_id = $1;
`

const QRefundTokens = `--sql 7ef5cda7-63a8-40a5-a3de-79a45c4eec48
update token_accounts
set balance = balance + $2
where user_id = $1
returning balance;
`

const QCreditTokens = `--sql 82ddf187-5f27-4c19-b8e4-181ca03ff390
insert into token_accounts (user_id, balance)
values ($1, $2)
on conflict (user_id) do update
set balance = token_accounts.balance + excluded.balance
returning balance;
`
